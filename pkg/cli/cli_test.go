package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quocson95/ftpdeck/pkg/send"
)

func TestExitCode(t *testing.T) {
	t.Run("Core Functionality: Exit errors keep their code", func(t *testing.T) {
		err := &ExitError{Code: send.ExitPartial, Err: errors.New("1 of 2 file(s) not sent")}
		if got := ExitCode(err); got != send.ExitPartial {
			t.Errorf("Expected %d, got %d", send.ExitPartial, got)
		}
		if got := ExitCode(nil); got != send.ExitOK {
			t.Errorf("Expected %d, got %d", send.ExitOK, got)
		}
	})

	t.Run("Edge Case: Other errors are usage errors", func(t *testing.T) {
		if got := ExitCode(errors.New("unknown flag")); got != send.ExitUsage {
			t.Errorf("Expected %d, got %d", send.ExitUsage, got)
		}
	})
}

func TestSendCmd(t *testing.T) {
	t.Run("Input Validation: Paths are required", func(t *testing.T) {
		cmd := NewSendCmd()
		cmd.SetArgs([]string{"--data-dir", t.TempDir()})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		if code := ExitCode(cmd.ExecuteContext(context.Background())); code != send.ExitUsage {
			t.Errorf("Expected %d, got %d", send.ExitUsage, code)
		}
	})

	t.Run("Input Validation: Only missing paths exit with the usage code", func(t *testing.T) {
		dataDir := t.TempDir()
		var out bytes.Buffer
		cmd := NewSendCmd()
		cmd.SetArgs([]string{"--data-dir", dataDir, filepath.Join(t.TempDir(), "nope")})
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})

		err := cmd.ExecuteContext(context.Background())
		if code := ExitCode(err); code != send.ExitUsage {
			t.Errorf("Expected %d, got %d (%v)", send.ExitUsage, code, err)
		}
		if !strings.Contains(out.String(), "✗ Not found:") {
			t.Errorf("Unexpected output:\n%s", out.String())
		}
		if _, err := os.Stat(filepath.Join(dataDir, "settings.json")); err != nil {
			t.Errorf("Expected default settings written: %v", err)
		}
	})

	t.Run("Input Validation: A malformed URL is rejected", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "a.txt")
		if err := os.WriteFile(file, []byte("a"), 0644); err != nil {
			t.Fatal(err)
		}
		cmd := NewSendCmd()
		cmd.SetArgs([]string{"--data-dir", t.TempDir(), "--to", "ftp://host:99999", file})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		if code := ExitCode(cmd.ExecuteContext(context.Background())); code != send.ExitUsage {
			t.Errorf("Expected %d, got %d", send.ExitUsage, code)
		}
	})
}

func TestRootCmd(t *testing.T) {
	t.Run("Core Functionality: The send subcommand is registered", func(t *testing.T) {
		cmd := NewRootCmd()
		sub, _, err := cmd.Find([]string{"send"})
		if err != nil || sub.Name() != "send" {
			t.Fatalf("Expected the send subcommand, got %v", err)
		}
		if sub.Flags().Lookup("to") == nil || sub.Flags().Lookup("wait") == nil {
			t.Error("Expected --to and --wait on send")
		}
		if cmd.PersistentFlags().Lookup("data-dir") == nil {
			t.Error("Expected --data-dir on the root")
		}
	})

	t.Run("Input Validation: At most one URL", func(t *testing.T) {
		cmd := NewRootCmd()
		cmd.SetArgs([]string{"--data-dir", t.TempDir(), "a", "b"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		if code := ExitCode(cmd.ExecuteContext(context.Background())); code != send.ExitUsage {
			t.Errorf("Expected %d, got %d", send.ExitUsage, code)
		}
	})
}
