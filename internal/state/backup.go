package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	backupPrefix = "state-"
	backupSuffix = ".json"
	// sortable, filesystem safe
	backupStamp = "20060102T150405.000000000Z"
)

type backupEnvelope struct {
	BackedUpAt time.Time       `json:"backed_up_at"`
	State      json.RawMessage `json:"state"`
}

// backup snapshots the current primary file before it is overwritten.
// Unparseable primaries are copied verbatim so nothing is lost.
func (s *Store) backup() error {
	raw, err := os.ReadFile(s.opts.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state for backup: %w", err)
	}
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	at := s.now().UTC()
	data := raw
	if json.Valid(raw) {
		data, err = json.Marshal(backupEnvelope{BackedUpAt: at, State: raw})
		if err != nil {
			return fmt.Errorf("encode backup: %w", err)
		}
	}

	name := s.backupName(at)
	if err := writeFileAtomic(name, data, nil); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return s.pruneBackups()
}

func (s *Store) backupName(at time.Time) string {
	base := backupPrefix + at.Format(backupStamp)
	for i := 0; ; i++ {
		name := filepath.Join(s.opts.BackupDir, fmt.Sprintf("%s-%03d%s", base, i, backupSuffix))
		if _, err := os.Stat(name); errors.Is(err, fs.ErrNotExist) {
			return name
		}
	}
}

// listBackups returns backup paths oldest first.
func (s *Store) listBackups() ([]string, error) {
	ents, err := os.ReadDir(s.opts.BackupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, backupPrefix) || !strings.HasSuffix(n, backupSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.opts.BackupDir, n))
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) pruneBackups() error {
	if s.opts.BackupRetention <= 0 {
		return nil
	}
	all, err := s.listBackups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if len(all) <= s.opts.BackupRetention {
		return nil
	}
	var errs []error
	for _, p := range all[:len(all)-s.opts.BackupRetention] {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recoverFromBackups returns the newest backup that decodes.
func (s *Store) recoverFromBackups() (*RunState, string, bool) {
	all, err := s.listBackups()
	if err != nil {
		return nil, "", false
	}
	for _, p := range slices.Backward(all) {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var env backupEnvelope
		if json.Unmarshal(raw, &env) == nil && len(env.State) > 0 {
			raw = env.State
		}
		d, err := decode(raw, s.now())
		if err != nil {
			continue
		}
		return d.state, p, true
	}
	return nil, "", false
}
