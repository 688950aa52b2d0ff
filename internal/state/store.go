package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Recovery kinds reported through Hooks.OnRecovery.
const (
	RecoveryCreated = "created"
	RecoveryLegacy  = "legacy_migration"
	RecoveryBackup  = "backup"
	RecoveryReset   = "reset"
	RecoveryFields  = "invalid_fields"
)

// Options configures a Store.
type Options struct {
	Path            string
	BackupDir       string
	BackupRetention int
	SeenLimit       int

	LockPath       string
	LockStaleAfter time.Duration
	LockRetries    int
	LockRetryDelay time.Duration
	LockTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.BackupDir == "" {
		o.BackupDir = filepath.Join(filepath.Dir(o.Path), "backups")
	}
	if o.BackupRetention == 0 {
		o.BackupRetention = 10
	}
	if o.SeenLimit == 0 {
		o.SeenLimit = DefaultSeenLimit
	}
	if o.LockPath == "" {
		o.LockPath = o.Path + ".lock"
	}
	if o.LockStaleAfter == 0 {
		o.LockStaleAfter = 10 * time.Minute
	}
	if o.LockRetryDelay == 0 {
		o.LockRetryDelay = 500 * time.Millisecond
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = 30 * time.Second
	}
}

// Hooks receive store events, typically for metrics.
type Hooks struct {
	OnRecovery    func(kind string)
	OnLockFailure func()
}

// Store persists RunState to a JSON file guarded by a lock file.
type Store struct {
	opts   Options
	logger log.Logger
	hooks  Hooks
	locker *locker
	now    func() time.Time

	// test seam: runs after the temp file is synced and before rename
	beforeRename func(tmp string) error
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now; s.locker.now = now }
}

// WithHooks installs event hooks.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

// WithSleep overrides the lock retry sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Store) { s.locker.sleep = fn }
}

// WithProcessCheck overrides the lock holder liveness probe.
func WithProcessCheck(fn func(pid int) bool) Option {
	return func(s *Store) { s.locker.alive = fn }
}

// NewStore returns a Store for opts.Path.
func NewStore(opts Options, logger log.Logger, o ...Option) *Store {
	opts.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	host, _ := os.Hostname()
	s := &Store{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		locker: &locker{
			path:       opts.LockPath,
			staleAfter: opts.LockStaleAfter,
			retries:    opts.LockRetries,
			retryDelay: opts.LockRetryDelay,
			timeout:    opts.LockTimeout,
			pid:        os.Getpid(),
			hostname:   host,
			now:        time.Now,
			sleep:      sleepCtx,
			alive:      processAlive,
		},
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// Path returns the primary state file path.
func (s *Store) Path() string { return s.opts.Path }

// Session holds the state lock across a load-modify-save cycle.
type Session struct {
	store  *Store
	lock   *Lock
	closed bool
}

// Begin acquires the lock for a run. Callers must Close the session.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	lk, err := s.locker.acquire(ctx)
	if err != nil {
		if s.hooks.OnLockFailure != nil {
			s.hooks.OnLockFailure()
		}
		return nil, err
	}
	return &Session{store: s, lock: lk}, nil
}

// Load reads the state under the session lock.
func (ss *Session) Load(ctx context.Context) (*RunState, error) {
	if ss.closed {
		return nil, errors.New("state session closed")
	}
	return ss.store.load(ctx)
}

// Save persists st under the session lock.
func (ss *Session) Save(ctx context.Context, st *RunState) error {
	if ss.closed {
		return errors.New("state session closed")
	}
	if err := ss.lock.Refresh(); err != nil {
		return err
	}
	return ss.store.save(ctx, st)
}

// Refresh keeps the lock from going stale during long steps.
func (ss *Session) Refresh() error {
	if ss.closed {
		return nil
	}
	return ss.lock.Refresh()
}

// Close releases the lock. It is safe to call more than once.
func (ss *Session) Close() error {
	if ss.closed {
		return nil
	}
	ss.closed = true
	return ss.lock.Release()
}

// Load acquires the lock, reads the state and releases the lock.
func (s *Store) Load(ctx context.Context) (*RunState, error) {
	ss, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer ss.Close()
	return ss.Load(ctx)
}

// Save acquires the lock, persists st and releases the lock.
func (s *Store) Save(ctx context.Context, st *RunState) error {
	ss, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer ss.Close()
	return ss.Save(ctx, st)
}

// Peek reads the primary file without locking or recovery. Used by readers
// that must never modify state.
func (s *Store) Peek() (*RunState, error) {
	raw, err := os.ReadFile(s.opts.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	d, err := decode(raw, s.now())
	if err != nil {
		return nil, err
	}
	return d.state, nil
}

func (s *Store) recovered(ctx context.Context, kind string, kv ...any) {
	s.logger.Warn(ctx, "state recovered", append([]any{"kind", kind, "path", s.opts.Path}, kv...)...)
	if s.hooks.OnRecovery != nil {
		s.hooks.OnRecovery(kind)
	}
}

func (s *Store) load(ctx context.Context) (*RunState, error) {
	raw, err := os.ReadFile(s.opts.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if st, from, ok := s.recoverFromBackups(); ok {
			s.recovered(ctx, RecoveryBackup, "backup", from, "reason", "missing")
			return st, s.write(st)
		}
		st := New()
		if err := s.write(st); err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "state initialized", "path", s.opts.Path)
		if s.hooks.OnRecovery != nil {
			s.hooks.OnRecovery(RecoveryCreated)
		}
		return st, nil
	case err != nil:
		return s.recoverCorrupt(ctx, fmt.Errorf("%w: read: %v", ErrStateCorruption, err))
	}

	d, err := decode(raw, s.now())
	if err != nil {
		return s.recoverCorrupt(ctx, err)
	}
	if d.legacy {
		s.recovered(ctx, RecoveryLegacy, "seen", len(d.state.Seen))
		if err := s.save(ctx, d.state); err != nil {
			return nil, err
		}
		return d.state, nil
	}
	if len(d.invalid) > 0 {
		s.recovered(ctx, RecoveryFields, "fields", d.invalid)
	}
	return d.state, nil
}

func (s *Store) recoverCorrupt(ctx context.Context, cause error) (*RunState, error) {
	s.logger.Error(ctx, cause, "state file unreadable", "path", s.opts.Path)

	if st, from, ok := s.recoverFromBackups(); ok {
		s.recovered(ctx, RecoveryBackup, "backup", from)
		// keep the corrupt primary as a backup for inspection
		if err := s.save(ctx, st); err != nil {
			return nil, err
		}
		return st, nil
	}

	st := New()
	s.recovered(ctx, RecoveryReset)
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// save backs up the current primary and atomically replaces it.
func (s *Store) save(ctx context.Context, st *RunState) error {
	if err := s.backup(); err != nil {
		s.logger.Warn(ctx, "state backup failed", "err", err)
	}
	return s.write(st)
}

func (s *Store) write(st *RunState) error {
	st.Normalize(s.now())
	if n := st.Prune(s.opts.SeenLimit); n > 0 {
		s.logger.Info(context.Background(), "pruned seen records", "removed", n, "limit", s.opts.SeenLimit)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(s.opts.Path, data, s.beforeRename); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it
// and renames it over path. A crash leaves either the old or the new file.
func writeFileAtomic(path string, data []byte, beforeRename func(tmp string) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if beforeRename != nil {
		if err = beforeRename(tmp); err != nil {
			return err
		}
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
