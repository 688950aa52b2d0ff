package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrLockAcquisitionFailed is returned when the state lock is held by a
	// live process and retries are exhausted.
	ErrLockAcquisitionFailed = errors.New("state lock acquisition failed")
	// ErrLockTimeout is returned when acquisition exceeds the overall timeout.
	ErrLockTimeout = fmt.Errorf("%w: timed out", ErrLockAcquisitionFailed)
)

const maxLockRetryDelay = 5 * time.Second

// LockInfo is the content of the lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Timestamp time.Time `json:"timestamp"`
}

type locker struct {
	path       string
	staleAfter time.Duration
	retries    int
	retryDelay time.Duration
	timeout    time.Duration

	pid      int
	hostname string
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	alive    func(pid int) bool
}

// Lock is a held state lock.
type Lock struct {
	l    *locker
	info LockInfo
}

func (l *locker) acquire(ctx context.Context) (*Lock, error) {
	deadline := l.now().Add(l.timeout)

	for attempt := 0; ; attempt++ {
		info := LockInfo{PID: l.pid, Hostname: l.hostname, Timestamp: l.now().UTC()}
		err := l.create(info)
		if err == nil {
			return &Lock{l: l, info: info}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %v", ErrLockAcquisitionFailed, err)
		}

		reclaimed, err := l.reclaimStale()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockAcquisitionFailed, err)
		}
		if reclaimed && attempt <= l.retries {
			continue
		}

		if attempt >= l.retries {
			return nil, fmt.Errorf("%w: held after %d attempts", ErrLockAcquisitionFailed, attempt+1)
		}
		delay := l.backoff(attempt)
		if l.timeout > 0 && !l.now().Add(delay).Before(deadline) {
			return nil, ErrLockTimeout
		}
		if err := l.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockAcquisitionFailed, err)
		}
	}
}

func (l *locker) backoff(attempt int) time.Duration {
	d := l.retryDelay
	for range attempt {
		d *= 2
		if d >= maxLockRetryDelay {
			return maxLockRetryDelay
		}
	}
	return d
}

func (l *locker) create(info LockInfo) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(info)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(l.path)
		return err
	}
	return nil
}

// reclaimStale removes the lock file when its holder is gone or the lock is
// older than staleAfter.
func (l *locker) reclaimStale() (bool, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !l.isStale(raw) {
		return false, nil
	}

	// the holder may have released and a new one written in between
	again, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil || !bytes.Equal(raw, again) {
		return false, err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (l *locker) isStale(raw []byte) bool {
	var info LockInfo
	if err := json.Unmarshal(raw, &info); err != nil || info.Timestamp.IsZero() {
		// unreadable content; fall back to the file age
		st, serr := os.Stat(l.path)
		return serr == nil && l.now().Sub(st.ModTime()) > l.staleAfter
	}
	if l.staleAfter > 0 && l.now().Sub(info.Timestamp) > l.staleAfter {
		return true
	}
	if info.Hostname == l.hostname && info.PID != l.pid && !l.alive(info.PID) {
		return true
	}
	return false
}

// owned reports whether the lock file still carries this lock's identity.
func (k *Lock) owned() bool {
	raw, err := os.ReadFile(k.l.path)
	if err != nil {
		return false
	}
	var cur LockInfo
	if err := json.Unmarshal(raw, &cur); err != nil {
		return false
	}
	return cur.PID == k.info.PID && cur.Hostname == k.info.Hostname && cur.Timestamp.Equal(k.info.Timestamp)
}

// Refresh bumps the lock timestamp so long runs are not judged stale.
func (k *Lock) Refresh() error {
	if !k.owned() {
		return fmt.Errorf("%w: lock no longer owned", ErrLockAcquisitionFailed)
	}
	next := k.info
	next.Timestamp = k.l.now().UTC()
	data, _ := json.Marshal(next)
	if err := writeFileAtomic(k.l.path, data, nil); err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	k.info = next
	return nil
}

// Release removes the lock file if it is still ours.
func (k *Lock) Release() error {
	if !k.owned() {
		return nil
	}
	if err := os.Remove(k.l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Info returns the identity written into the lock file.
func (k *Lock) Info() LockInfo { return k.info }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
