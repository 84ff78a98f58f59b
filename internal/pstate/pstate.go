// Package pstate is the persistent state store (spec §4.2): it owns the
// two on-disk files the engine depends on for durability and
// cross-subsystem leader observation — rale.state and rale.db.
package pstate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/rale/internal/raleerr"
)

const (
	stateFileName = "rale.state"
	dbFileName    = "rale.db"
)

// State is the five-integer record described in spec §3/§6.
type State struct {
	CurrentTerm  int64
	VotedFor     int64 // -1 means none
	LeaderID     int64 // -1 means unknown
	LastLogIndex int64
	LastLogTerm  int64
}

// Fresh is the zero-value state a node starts from when no file exists
// or the file on disk could not be parsed.
func Fresh() State {
	return State{VotedFor: -1, LeaderID: -1}
}

// Store guards rale.state and rale.db with a coarse mutex — §4.2 requires
// a single writer per file at any time, and the spec does not ask for
// per-file locks finer than that.
type Store struct {
	mu  sync.Mutex
	dir string
	log *logrus.Entry
}

// New builds a Store rooted at dir (spec's db.path config option). dir
// must already exist; New does not create it.
func New(dir string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{dir: dir, log: log.WithField("component", "pstate")}
}

func (s *Store) statePath() string { return filepath.Join(s.dir, stateFileName) }
func (s *Store) dbPath() string    { return filepath.Join(s.dir, dbFileName) }

// LoadState parses rale.state. A missing or malformed file is downgraded
// to Fresh(), per §7's "Parse errors during state load are downgraded to
// fresh-state" rule — callers never see Corrupt bubble out of here.
func (s *Store) LoadState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Fresh(), nil
		}
		return Fresh(), raleerr.Wrap(raleerr.PersistError, "open rale.state", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		s.log.Warn("rale.state present but empty, treating as fresh")
		return Fresh(), nil
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) != 5 {
		s.log.WithField("fields", len(fields)).Warn("rale.state malformed, treating as fresh")
		return Fresh(), nil
	}

	nums := make([]int64, 5)
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			s.log.WithError(err).Warn("rale.state contains non-integer field, treating as fresh")
			return Fresh(), nil
		}
		nums[i] = n
	}

	return State{
		CurrentTerm:  nums[0],
		VotedFor:     nums[1],
		LeaderID:     nums[2],
		LastLogIndex: nums[3],
		LastLogTerm:  nums[4],
	}, nil
}

// SaveState writes the five fields as a single space-separated line,
// create-or-truncate. A crash between open and close yields a short or
// missing file, which LoadState treats as fresh on the next read — that
// degraded behavior is accepted by spec §4.2 rather than guarded against.
func (s *Store) SaveState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.statePath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return raleerr.Wrap(raleerr.PersistError, "create rale.state", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%d %d %d %d %d\n", st.CurrentTerm, st.VotedFor, st.LeaderID, st.LastLogIndex, st.LastLogTerm)
	if _, err := f.WriteString(line); err != nil {
		return raleerr.Wrap(raleerr.PersistError, "write rale.state", err)
	}
	return nil
}

// AppendKV appends a single key=value record to rale.db (§4.2, §6).
func (s *Store) AppendKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.dbPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return raleerr.Wrap(raleerr.PersistError, "open rale.db", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s=%s\n", key, value); err != nil {
		return raleerr.Wrap(raleerr.PersistError, "append rale.db", err)
	}
	return nil
}

// LoadKV replays rale.db into a fresh map. Lines without '=' or with a
// zero-length key are skipped, per §6.
func (s *Store) LoadKV() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]string)
	f, err := os.Open(s.dbPath())
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, raleerr.Wrap(raleerr.PersistError, "open rale.db", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		data[line[:idx]] = line[idx+1:]
	}
	return data, nil
}

// SnapshotKV rewrites rale.db atomically from an in-memory map: write to
// a sibling file, then rename over the original (§4.2).
func (s *Store) SnapshotKV(data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.dbPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return raleerr.Wrap(raleerr.PersistError, "create rale.db.tmp", err)
	}

	w := bufio.NewWriter(f)
	for k, v := range data {
		if _, err := fmt.Fprintf(w, "%s=%s\n", k, v); err != nil {
			f.Close()
			os.Remove(tmp)
			return raleerr.Wrap(raleerr.PersistError, "write rale.db.tmp", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return raleerr.Wrap(raleerr.PersistError, "flush rale.db.tmp", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return raleerr.Wrap(raleerr.PersistError, "close rale.db.tmp", err)
	}
	if err := os.Rename(tmp, s.dbPath()); err != nil {
		return raleerr.Wrap(raleerr.PersistError, "rename rale.db.tmp", err)
	}
	return nil
}
