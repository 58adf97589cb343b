// Package authcode implements the AuthCodeStore of spec.md §4.2: generate,
// persist, validate, and rotate per-player auth codes backed by a
// `username.code = ...` / `username.uuid = ...` properties file, rewritten
// atomically on every mutation.
package authcode

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zokiio/ovc/internal/ids"
	"go.uber.org/zap"
)

// alphabet excludes 0/O and 1/I per spec §3.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const codeLength = 6

const maxGenerateRetries = 16

// entry is one user's persisted auth record.
type entry struct {
	code     string
	playerID ids.PlayerID
}

// Store is the AuthCodeStore. The in-memory map is always authoritative;
// persistence failures are logged only: they are not returned to callers of
// GetOrCreate, Reset or Remove.
type Store struct {
	mu       sync.RWMutex
	path     string
	log      *zap.SugaredLogger
	byUser   map[string]entry // keyed by lowercased username
}

// New loads path (if it exists) into memory and returns a Store.
func New(path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		path:   path,
		log:    log,
		byUser: make(map[string]entry),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("authcode: load %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	codes := make(map[string]string)
	uuids := make(map[string]string)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch {
		case strings.HasSuffix(key, ".code"):
			user := strings.TrimSuffix(key, ".code")
			codes[user] = val
		case strings.HasSuffix(key, ".uuid"):
			user := strings.TrimSuffix(key, ".uuid")
			uuids[user] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for user, code := range codes {
		pid, err := ids.ParsePlayerID(uuids[user])
		if err != nil {
			continue // skip rows whose uuid didn't parse; don't fail the whole load
		}
		s.byUser[user] = entry{code: code, playerID: pid}
	}
	return nil
}

// persist rewrites the whole file via temp-file-plus-rename. It takes no
// lock itself and writes only the snapshot it is given; persistLocked
// builds that snapshot while the caller holds s.mu.
func (s *Store) persist(snapshot map[string]entry) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".authcode-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	for user, e := range snapshot {
		fmt.Fprintf(w, "%s.code = %s\n", user, e.code)
		fmt.Fprintf(w, "%s.uuid = %s\n", user, e.playerID.String())
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Store) persistLocked() {
	snapshot := make(map[string]entry, len(s.byUser))
	for k, v := range s.byUser {
		snapshot[k] = v
	}
	if err := s.persist(snapshot); err != nil && s.log != nil {
		s.log.Warnw("authcode: persist failed, in-memory state remains authoritative", "error", err)
	}
}

func canonical(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func generateCode() (string, error) {
	b := make([]byte, codeLength)
	n := big.NewInt(int64(len(alphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// GetOrCreate returns the existing code for username, or mints and persists
// a fresh one if none exists.
func (s *Store) GetOrCreate(username string, playerID ids.PlayerID) (string, error) {
	user := canonical(username)

	s.mu.Lock()
	if e, ok := s.byUser[user]; ok {
		s.mu.Unlock()
		return e.code, nil
	}
	code, err := s.mintUnique()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.byUser[user] = entry{code: code, playerID: playerID}
	s.persistLocked()
	s.mu.Unlock()
	return code, nil
}

// Reset always mints a new code for username, replacing any prior one.
func (s *Store) Reset(username string, playerID ids.PlayerID) (string, error) {
	user := canonical(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	code, err := s.mintUnique()
	if err != nil {
		return "", err
	}
	s.byUser[user] = entry{code: code, playerID: playerID}
	s.persistLocked()
	return code, nil
}

// mintUnique generates a code not already in use, retrying on collision.
// Caller must hold s.mu.
func (s *Store) mintUnique() (string, error) {
	for i := 0; i < maxGenerateRetries; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		collides := false
		for _, e := range s.byUser {
			if e.code == code {
				collides = true
				break
			}
		}
		if !collides {
			return code, nil
		}
	}
	return "", fmt.Errorf("authcode: exhausted %d retries generating a unique code", maxGenerateRetries)
}

// Validate reports whether code matches the stored code for username,
// case-insensitively.
func (s *Store) Validate(username, code string) bool {
	user := canonical(username)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byUser[user]
	if !ok {
		return false
	}
	return strings.EqualFold(e.code, strings.TrimSpace(code))
}

// LookupPlayer returns the PlayerID bound to username, if any.
func (s *Store) LookupPlayer(username string) (ids.PlayerID, bool) {
	user := canonical(username)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byUser[user]
	if !ok {
		return ids.PlayerID{}, false
	}
	return e.playerID, true
}

// Remove deletes username's auth record.
func (s *Store) Remove(username string) {
	user := canonical(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[user]; !ok {
		return
	}
	delete(s.byUser, user)
	s.persistLocked()
}
