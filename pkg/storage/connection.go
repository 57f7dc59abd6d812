package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

const keyringService = "ftpdeck"

// ConnectionRecord is the last address that authenticated successfully.
type ConnectionRecord struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	SavedAt  time.Time
}

// Account is the keyring account name for the record.
func (r ConnectionRecord) Account() string {
	return fmt.Sprintf("%s://%s@%s:%d", r.Scheme, r.Username, r.Host, r.Port)
}

// connectionFile is the on-disk shape. The password never appears in clear.
type connectionFile struct {
	Scheme            string    `json:"scheme"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	Username          string    `json:"username"`
	PasswordInKeyring bool      `json:"passwordInKeyring,omitempty"`
	SealedPassword    string    `json:"sealedPassword,omitempty"`
	SavedAt           time.Time `json:"savedAt"`
}

// ConnectionStore persists the last-known-good connection. It performs no
// network I/O.
type ConnectionStore struct {
	filePath   string
	dataDir    string
	useKeyring bool
	mu         sync.Mutex
}

// NewConnectionStore creates a store backed by connection.json in dataDir.
// When useKeyring is set, passwords go to the OS keyring and fall back to a
// sealed JSON field when the keyring is unavailable.
func NewConnectionStore(dataDir string, useKeyring bool) (*ConnectionStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &ConnectionStore{
		filePath:   filepath.Join(dataDir, "connection.json"),
		dataDir:    dataDir,
		useKeyring: useKeyring,
	}, nil
}

// Path returns the file the record is stored in.
func (s *ConnectionStore) Path() string {
	return s.filePath
}

// Load returns the stored record. ok is false when nothing has been saved yet.
func (s *ConnectionStore) Load() (ConnectionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ConnectionRecord{}, false, nil
		}
		return ConnectionRecord{}, false, fmt.Errorf("failed to read connection file: %w", err)
	}
	if len(data) == 0 {
		return ConnectionRecord{}, false, nil
	}

	var f connectionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ConnectionRecord{}, false, fmt.Errorf("failed to parse connection file: %w", err)
	}
	if f.Host == "" {
		return ConnectionRecord{}, false, nil
	}

	rec := ConnectionRecord{
		Scheme:   f.Scheme,
		Host:     f.Host,
		Port:     f.Port,
		Username: f.Username,
		SavedAt:  f.SavedAt,
	}

	switch {
	case f.PasswordInKeyring:
		password, err := keyring.Get(keyringService, rec.Account())
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return rec, true, fmt.Errorf("failed to read password from keyring: %w", err)
		}
		rec.Password = password
	case f.SealedPassword != "":
		key, err := loadInstallKey(s.dataDir)
		if err != nil {
			return rec, true, err
		}
		password, err := OpenSecret(f.SealedPassword, key)
		if err != nil {
			return rec, true, fmt.Errorf("failed to unseal password: %w", err)
		}
		rec.Password = string(password)
	}

	return rec, true, nil
}

// Save overwrites the stored record. Callers only invoke it after a verified
// successful login.
func (s *ConnectionStore) Save(rec ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	f := connectionFile{
		Scheme:   rec.Scheme,
		Host:     rec.Host,
		Port:     rec.Port,
		Username: rec.Username,
		SavedAt:  rec.SavedAt.UTC(),
	}

	if rec.Password != "" {
		stored := false
		if s.useKeyring {
			if err := keyring.Set(keyringService, rec.Account(), rec.Password); err == nil {
				f.PasswordInKeyring = true
				stored = true
			}
		}
		if !stored {
			key, err := loadInstallKey(s.dataDir)
			if err != nil {
				return err
			}
			sealed, err := SealSecret([]byte(rec.Password), key)
			if err != nil {
				return fmt.Errorf("failed to seal password: %w", err)
			}
			f.SealedPassword = sealed
		}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal connection: %w", err)
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write connection file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace connection file: %w", err)
	}
	return nil
}

// Clear forgets the stored record and its keyring entry.
func (s *ConnectionStore) Clear() error {
	rec, ok, _ := s.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok && s.useKeyring {
		if err := keyring.Delete(keyringService, rec.Account()); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to delete password from keyring: %w", err)
		}
	}
	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove connection file: %w", err)
	}
	return nil
}
