package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const spoolFile = "audit_spool.log"

// ErrSpoolFull is returned once the spool file reaches its size cap.
var ErrSpoolFull = errors.New("audit spool full")

// Spool is a JSONL file holding audit entries that could not be stored.
type Spool struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
}

func NewSpool(dir string, maxMB int64) (*Spool, error) {
	if maxMB <= 0 {
		maxMB = 64
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit spool %s: %w", dir, err)
	}
	return &Spool{dir: dir, maxBytes: maxMB * 1024 * 1024}, nil
}

func (s *Spool) path() string {
	return filepath.Join(s.dir, spoolFile)
}

func (s *Spool) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(line)
}

func (s *Spool) appendLocked(line []byte) error {
	if st, err := os.Stat(s.path()); err == nil && st.Size()+int64(len(line))+1 > s.maxBytes {
		return ErrSpoolFull
	}
	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Drain hands every spooled entry to write. Entries write rejects are
// spooled again. It returns how many entries were written.
func (s *Spool) Drain(write func(Entry) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay := filepath.Join(s.dir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(s.path(), replay); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	f, err := os.Open(replay)
	if err != nil {
		return 0, err
	}
	defer os.Remove(replay)
	defer f.Close()

	var flushed int
	var firstErr error
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if err := write(e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			line := append([]byte(nil), sc.Bytes()...)
			if err := s.appendLocked(line); err != nil {
				return flushed, fmt.Errorf("respool %s: %w", e.ID, err)
			}
			continue
		}
		flushed++
	}
	if err := sc.Err(); err != nil {
		return flushed, err
	}
	return flushed, firstErr
}
