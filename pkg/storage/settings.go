package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	DefaultChunkSize      = 64 * 1024
	DefaultConnectTimeout = 10
	DefaultOpTimeout      = 30
)

// Settings represents application settings
type Settings struct {
	DefaultScheme   string `json:"defaultScheme"`
	DefaultHost     string `json:"defaultHost"`
	DefaultPort     int    `json:"defaultPort"`
	DefaultUsername string `json:"defaultUsername"`
	DefaultPassword string `json:"defaultPassword,omitempty"`
	LocalStartDir   string `json:"localStartDir,omitempty"` // Empty means ~/Downloads or home
	ChunkSize       int    `json:"chunkSize"`
	ConnectTimeout  int    `json:"connectTimeoutSeconds"`
	OpTimeout       int    `json:"operationTimeoutSeconds"`
	Editor          string `json:"editor,omitempty"` // Empty means $VISUAL, $EDITOR, then nano
	UseKeyring      bool   `json:"useKeyring"`
	ShowHidden      bool   `json:"showHidden"`
	LogLevel        string `json:"logLevel"`
}

// SettingsStore manages application settings
type SettingsStore struct {
	settings Settings
	filePath string
	mu       sync.RWMutex
}

// NewSettingsStore creates a new settings store
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, "settings.json")
	store := &SettingsStore{
		settings: getDefaultSettings(),
		filePath: filePath,
	}

	if err := store.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// First run, write the defaults so they can be edited by hand
		if err := store.save(); err != nil {
			return nil, err
		}
	}
	store.settings.normalize()

	return store, nil
}

// getDefaultSettings returns default settings
func getDefaultSettings() Settings {
	return Settings{
		DefaultScheme:   "ftp",
		DefaultHost:     "192.168.0.103",
		DefaultPort:     9999,
		DefaultUsername: "anonymous",
		ChunkSize:       DefaultChunkSize,
		ConnectTimeout:  DefaultConnectTimeout,
		OpTimeout:       DefaultOpTimeout,
		UseKeyring:      true,
		LogLevel:        "info",
	}
}

// normalize fills zero values left by hand-edited files.
func (s *Settings) normalize() {
	def := getDefaultSettings()
	if s.DefaultScheme == "" {
		s.DefaultScheme = def.DefaultScheme
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = def.ChunkSize
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = def.ConnectTimeout
	}
	if s.OpTimeout <= 0 {
		s.OpTimeout = def.OpTimeout
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}
}

// load reads settings from disk
func (s *SettingsStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &s.settings); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}
	return nil
}

// save writes settings to disk
func (s *SettingsStore) save() error {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	return os.WriteFile(s.filePath, data, 0600)
}

// Get returns current settings
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update updates settings
func (s *SettingsStore) Update(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings.normalize()
	s.settings = settings
	return s.save()
}

// Reset resets settings to defaults
func (s *SettingsStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = getDefaultSettings()
	return s.save()
}

// GetDataDir returns the directory where settings are stored
func (s *SettingsStore) GetDataDir() string {
	return filepath.Dir(s.filePath)
}

func (s Settings) ConnectTimeoutDuration() time.Duration {
	return time.Duration(s.ConnectTimeout) * time.Second
}

func (s Settings) OpTimeoutDuration() time.Duration {
	return time.Duration(s.OpTimeout) * time.Second
}

// EditorCommand resolves the editor used for remote edits.
func (s Settings) EditorCommand() string {
	if s.Editor != "" {
		return s.Editor
	}
	for _, env := range []string{"VISUAL", "EDITOR"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if runtime.GOOS == "windows" {
		return "notepad"
	}
	return "nano"
}

// StartDir resolves the directory the local pane opens in.
func (s Settings) StartDir() string {
	if s.LocalStartDir != "" {
		if info, err := os.Stat(s.LocalStartDir); err == nil && info.IsDir() {
			return s.LocalStartDir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	downloads := filepath.Join(home, "Downloads")
	if info, err := os.Stat(downloads); err == nil && info.IsDir() {
		return downloads
	}
	return home
}

// DataDir returns the default data directory, honouring FTPDECK_HOME.
func DataDir() (string, error) {
	if dir := os.Getenv("FTPDECK_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".ftpdeck"), nil
}
