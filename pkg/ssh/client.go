package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrAuthFailed means the server rejected every offered credential.
	ErrAuthFailed = errors.New("ssh: authentication failed")
	// ErrHostKeyMismatch means known_hosts holds a different key for the host.
	ErrHostKeyMismatch = errors.New("ssh: host key mismatch")
)

// knownHostsMu serialises appends to known_hosts files.
var knownHostsMu sync.Mutex

// HostKeyCallback verifies against the known_hosts file at path. Unknown
// hosts are trusted on first use and appended. The file is re-read on every
// call so a host appended earlier is recognised.
func HostKeyCallback(path string) ssh.HostKeyCallback {
	if path == "" {
		return ssh.InsecureIgnoreHostKey()
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		if err := ensureKnownHosts(path); err != nil {
			return err
		}
		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w for %s (%s:%d)", ErrHostKeyMismatch, hostname, keyErr.Want[0].Filename, keyErr.Want[0].Line)
		}
		return appendKnownHost(path, hostname, key)
	}
}

func ensureKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}

// Dial opens an authenticated SSH connection. Transport errors are returned
// wrapped so callers can classify them with errors.Is/As.
func Dial(ctx context.Context, cfg *Config) (*ssh.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var authMethods []ssh.AuthMethod
	if cfg.Password != "" {
		password := cfg.Password
		authMethods = append(authMethods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if signers := cfg.LoadSigners(); len(signers) > 0 {
		authMethods = append(authMethods, ssh.PublicKeys(signers...))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: HostKeyCallback(cfg.knownHostsPath()),
		Timeout:         timeout,
	}

	addr := cfg.Address()
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	// The handshake has no context of its own.
	conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	stop()
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyHandshake(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrHostKeyMismatch), strings.Contains(msg, ErrHostKeyMismatch.Error()):
		return fmt.Errorf("%w: %v", ErrHostKeyMismatch, err)
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return fmt.Errorf("handshake failed: %w", err)
}
