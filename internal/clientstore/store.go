// Package clientstore persists the client's license credential and the
// last-online-check timestamp. Pure filesystem adapter; absence of either
// file is a normal "not yet licensed" state, never an error.
package clientstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store owns the two client-side license artifacts.
type Store struct {
	credentialPath string
	lastCheckPath  string
}

// New creates a store over the given file paths.
func New(credentialPath, lastCheckPath string) *Store {
	return &Store{
		credentialPath: credentialPath,
		lastCheckPath:  lastCheckPath,
	}
}

// SaveCredential writes the obfuscated credential blob. The write is atomic
// from the caller's perspective: temp file then rename.
func (s *Store) SaveCredential(blob string) error {
	return atomicWrite(s.credentialPath, []byte(blob), 0o600)
}

// LoadCredential returns the stored blob. ok=false when no credential exists.
func (s *Store) LoadCredential() (string, bool, error) {
	data, err := os.ReadFile(s.credentialPath)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read credential: %w", err)
	}
	return string(data), true, nil
}

// RemoveCredential deletes the stored credential. Used when a credential
// fails cryptographic checks and must be treated as absent.
func (s *Store) RemoveCredential() error {
	err := os.Remove(s.credentialPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

// LastCheck returns the persisted last-online-check time. ok=false when the
// client has never checked in.
func (s *Store) LastCheck() (time.Time, bool, error) {
	data, err := os.ReadFile(s.lastCheckPath)
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last check: %w", err)
	}

	unix, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		// A corrupt timestamp reads as "never checked"; the engine will
		// re-validate online and rewrite it.
		return time.Time{}, false, nil
	}
	return time.Unix(unix, 0), true, nil
}

// SetLastCheck persists the last-online-check time as a Unix timestamp.
func (s *Store) SetLastCheck(t time.Time) error {
	return atomicWrite(s.lastCheckPath, []byte(strconv.FormatInt(t.Unix(), 10)), 0o600)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".parklic-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
