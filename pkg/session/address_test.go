package session

import (
	"errors"
	"testing"

	"github.com/quocson95/ftpdeck/pkg/storage"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

func TestParseURL(t *testing.T) {
	base := Address{Scheme: "ftp", Host: "192.168.0.103", Port: 9999, User: "anonymous"}

	t.Run("Core Functionality: Full URL", func(t *testing.T) {
		addr, err := ParseURL("ftp://alice:pw@files.example.com:2121/pub/data", base)
		if err != nil {
			t.Fatal(err)
		}
		want := Address{Scheme: "ftp", Host: "files.example.com", Port: 2121, User: "alice", Password: "pw", Path: "/pub/data"}
		if addr != want {
			t.Errorf("Expected %+v, got %+v", want, addr)
		}
	})

	t.Run("Core Functionality: Bare host takes scheme and user from base", func(t *testing.T) {
		addr, err := ParseURL("10.0.0.7", base)
		if err != nil {
			t.Fatal(err)
		}
		if addr.Scheme != "ftp" || addr.Port != 21 || addr.User != "anonymous" {
			t.Errorf("Unexpected defaults %+v", addr)
		}
	})

	t.Run("Core Functionality: Scheme default ports", func(t *testing.T) {
		addr, err := ParseURL("sftp://me@host", base)
		if err != nil {
			t.Fatal(err)
		}
		if addr.Port != 22 {
			t.Errorf("Expected port 22, got %d", addr.Port)
		}
	})

	t.Run("Input Validation: Bad port", func(t *testing.T) {
		_, err := ParseURL("ftp://host:99999", base)
		if !errors.Is(err, vfs.ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("Input Validation: Empty input", func(t *testing.T) {
		if _, err := ParseURL("  ", base); !errors.Is(err, vfs.ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})
}

func TestAddressEqual(t *testing.T) {
	a := Address{Host: "Example.com", Port: 21, User: "u", Password: "one"}
	b := Address{Scheme: "ftp", Host: "example.com", Port: 21, User: "u", Password: "two", Path: "/x"}
	if !a.Equal(b) {
		t.Error("Addresses differing only in password/path should be equal")
	}
	if a.Equal(Address{Host: "example.com", Port: 21, User: "v"}) {
		t.Error("Different users should not be equal")
	}
}

func TestAddressString(t *testing.T) {
	addr := Address{Scheme: "ftp", Host: "h", Port: 21, User: "u", Password: "secret", Path: "/p"}
	if got := addr.String(); got != "ftp://u@h:21/p" {
		t.Errorf("Unexpected URL %q", got)
	}
}

func TestRecordConversion(t *testing.T) {
	addr := Address{Scheme: "ftp", Host: "h", Port: 2121, User: "u", Password: "pw"}
	back := FromRecord(addr.Record())
	if back != addr {
		t.Errorf("Expected %+v, got %+v", addr, back)
	}

	def := FromSettings(storage.Settings{DefaultHost: "d", DefaultPort: 9999})
	if def.Scheme != "ftp" || def.User != "anonymous" || def.Port != 9999 {
		t.Errorf("Unexpected default address %+v", def)
	}
}
