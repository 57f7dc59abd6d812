package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config represents SSH connection configuration for the sftp driver
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// KeyFiles are private keys tried after the password. Missing,
	// unreadable or passphrase-protected keys are skipped.
	KeyFiles []string

	// KnownHostsPath is the known_hosts file. Empty means ~/.ssh/known_hosts.
	KnownHostsPath string

	Timeout time.Duration
}

// Validate checks if the SSH configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port number")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

// Address returns host:port
func (c *Config) Address() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// DefaultKeyFiles lists the private keys ssh itself would try.
func DefaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".ssh")
	return []string{
		filepath.Join(dir, "id_ed25519"),
		filepath.Join(dir, "id_ecdsa"),
		filepath.Join(dir, "id_rsa"),
	}
}

// LoadSigners parses every usable key in KeyFiles. A key given as PEM
// content instead of a path is accepted too.
func (c *Config) LoadSigners() []ssh.Signer {
	var signers []ssh.Signer
	for _, key := range c.KeyFiles {
		var content []byte
		if strings.HasPrefix(key, "-----") {
			content = []byte(key)
		} else {
			data, err := os.ReadFile(key)
			if err != nil {
				continue
			}
			content = data
		}

		signer, err := ssh.ParsePrivateKey(content)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

func (c *Config) knownHostsPath() string {
	if c.KnownHostsPath != "" {
		return c.KnownHostsPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
