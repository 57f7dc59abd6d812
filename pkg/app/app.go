// Package app wires the stores, the logger and the session shared by the
// interactive manager and quick-send.
package app

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/quocson95/ftpdeck/pkg/ftp"
	"github.com/quocson95/ftpdeck/pkg/logging"
	"github.com/quocson95/ftpdeck/pkg/s3"
	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/sftp"
	"github.com/quocson95/ftpdeck/pkg/storage"
)

// Env holds everything opened at startup.
type Env struct {
	DataDir  string
	Settings storage.Settings
	Store    *storage.ConnectionStore
	Session  *session.Session
	Log      zerolog.Logger

	closer io.Closer
}

// Dialers maps every supported URL scheme to its driver.
func Dialers() map[string]session.Dialer {
	return map[string]session.Dialer{
		"ftp":  ftp.Dial,
		"ftps": ftp.Dial,
		"sftp": sftp.Dial,
		"s3":   s3.Dial,
	}
}

// Open loads settings and the remembered connection from dataDir (the
// default data directory when empty) and builds a disconnected session.
func Open(dataDir string, debug bool) (*Env, error) {
	if dataDir == "" {
		dir, err := storage.DataDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
	}

	settingsStore, err := storage.NewSettingsStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	settings := settingsStore.Get()

	level := settings.LogLevel
	if debug {
		level = "debug"
	}
	log, closer, err := logging.Open(dataDir, level)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewConnectionStore(dataDir, settings.UseKeyring)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to open connection store: %w", err)
	}

	sess := session.New(session.Config{
		Store:          store,
		Dialers:        Dialers(),
		Fallback:       session.FromSettings(settings),
		ConnectTimeout: settings.ConnectTimeoutDuration(),
		OpTimeout:      settings.OpTimeoutDuration(),
		Logger:         log,
	})

	log.Info().Str("dataDir", dataDir).Str("level", level).Msg("ftpdeck starting")

	return &Env{
		DataDir:  dataDir,
		Settings: settings,
		Store:    store,
		Session:  sess,
		Log:      log,
		closer:   closer,
	}, nil
}

// Target resolves an optional URL argument against the configured default.
// A nil result means "use the remembered connection".
func (e *Env) Target(raw string) (*session.Address, error) {
	if raw == "" {
		return nil, nil
	}
	addr, err := session.ParseURL(raw, session.FromSettings(e.Settings))
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// Close drops the connection and closes the log file.
func (e *Env) Close() error {
	if e.Session != nil {
		e.Session.Disconnect()
	}
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}
