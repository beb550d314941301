package session

// ============================================================================
// Session store
// Persists the LoRaWAN counters that must never go backwards across
// restarts (uplink frame counter, join nonce) as a small JSON file.
//
// Writes are atomic: the record goes to <path>.tmp and is renamed over the
// live file. With backups enabled the previous file is kept as
// <path>.<n> (1 = newest) before it is replaced.
// ============================================================================

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/lmic-task/internal/mac"
)

// SchemaVersion is the record layout written by this package.
const SchemaVersion = 1

var (
	ErrCorrupted           = errors.New("session file is corrupted")
	ErrIncompatibleVersion = errors.New("session schema version is incompatible")
)

// Record is the on-disk form of a session.
type Record struct {
	SchemaVer int              `json:"schema_ver"`
	Session   mac.SessionState `json:"session"`
	SavedAt   time.Time        `json:"saved_at"`
	Checksum  uint32           `json:"checksum"`
}

// Store reads and writes the session file.
type Store struct {
	path    string
	backups int
	now     func() time.Time
	mu      sync.Mutex
}

// NewStore returns a store for path keeping up to backups previous files.
func NewStore(path string, backups int) *Store {
	if backups < 0 {
		backups = 0
	}
	return &Store{path: path, backups: backups, now: time.Now}
}

// Path returns the live file path.
func (s *Store) Path() string {
	return s.path
}

// Save atomically replaces the session file with st.
func (s *Store) Save(st mac.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{SchemaVer: SchemaVersion, Session: st, SavedAt: s.now().UTC(), Checksum: checksum(st)}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create session directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write temp session")
	}
	if err := s.rotateLocked(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename session")
	}
	return nil
}

// Load returns the saved session. ok is false when no file exists yet.
func (s *Store) Load() (st mac.SessionState, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return mac.SessionState{}, false, nil
		}
		return mac.SessionState{}, false, errors.Wrap(err, "read session")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return mac.SessionState{}, false, errors.Mark(errors.Wrap(err, "decode session"), ErrCorrupted)
	}
	if rec.SchemaVer != SchemaVersion {
		return mac.SessionState{}, false, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", rec.SchemaVer, SchemaVersion)
	}
	if rec.Checksum != checksum(rec.Session) {
		return mac.SessionState{}, false, errors.Wrapf(ErrCorrupted, "checksum mismatch")
	}
	return rec.Session, true, nil
}

// LoadAny tries the live file and then each backup, newest first, and
// returns the first intact session. A missing or damaged live file falls
// back to the backups.
func (s *Store) LoadAny() (mac.SessionState, bool, error) {
	st, ok, err := s.Load()
	if err == nil && ok {
		return st, true, nil
	}
	for i := 1; i <= s.backups; i++ {
		b := NewStore(s.backupPath(i), 0)
		if bst, bok, berr := b.Load(); berr == nil && bok {
			return bst, true, nil
		}
	}
	return mac.SessionState{}, false, err
}

// rotateLocked shifts <path>.n to <path>.n+1 and moves the live file to
// <path>.1. The oldest backup falls off the end.
func (s *Store) rotateLocked() error {
	if s.backups == 0 {
		return nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	_ = os.Remove(s.backupPath(s.backups))
	for i := s.backups - 1; i >= 1; i-- {
		if err := os.Rename(s.backupPath(i), s.backupPath(i+1)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "rotate session backup")
		}
	}
	if err := os.Rename(s.path, s.backupPath(1)); err != nil {
		return errors.Wrap(err, "backup session")
	}
	return nil
}

func (s *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", s.path, n)
}

// checksum covers every persisted counter, not the save time.
func checksum(st mac.SessionState) uint32 {
	b := make([]byte, 0, 10)
	b = binary.BigEndian.AppendUint32(b, uint32(st.DevAddr))
	b = binary.BigEndian.AppendUint32(b, st.FCntUp)
	b = binary.BigEndian.AppendUint16(b, st.DevNonce)
	return crc32.ChecksumIEEE(b)
}
