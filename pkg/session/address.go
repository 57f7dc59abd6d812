package session

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/quocson95/ftpdeck/pkg/storage"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// Address identifies a remote server and the credentials used on it.
type Address struct {
	Scheme   string
	Host     string
	Port     int
	User     string
	Password string
	Path     string // Initial remote directory, may be empty
}

// DefaultPort returns the well-known port of a scheme.
func DefaultPort(scheme string) int {
	switch scheme {
	case "sftp":
		return 22
	case "s3":
		return 443
	default:
		return 21
	}
}

// Normalized fills in the scheme, port and user defaults.
func (a Address) Normalized() Address {
	a.Scheme = strings.ToLower(strings.TrimSpace(a.Scheme))
	if a.Scheme == "" {
		a.Scheme = "ftp"
	}
	a.Host = strings.TrimSpace(a.Host)
	if a.Port == 0 {
		a.Port = DefaultPort(a.Scheme)
	}
	if a.User == "" && (a.Scheme == "ftp" || a.Scheme == "ftps") {
		a.User = "anonymous"
	}
	return a
}

// Equal compares by scheme, host, port and user. Password and path are
// ignored.
func (a Address) Equal(b Address) bool {
	a, b = a.Normalized(), b.Normalized()
	return a.Scheme == b.Scheme &&
		strings.EqualFold(a.Host, b.Host) &&
		a.Port == b.Port &&
		a.User == b.User
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String renders the address as a URL without the password.
func (a Address) String() string {
	return a.URL(a.Path)
}

// URL renders a URL for path on this server, without the password.
func (a Address) URL(path string) string {
	u := url.URL{
		Scheme: a.Scheme,
		Host:   a.HostPort(),
		Path:   path,
	}
	if a.User != "" {
		u.User = url.User(a.User)
	}
	return u.String()
}

// Validate checks the fields a dial needs.
func (a Address) Validate() error {
	if a.Host == "" {
		return vfs.NewError("address", "", vfs.ErrValidation, fmt.Errorf("host is required"))
	}
	if a.Port <= 0 || a.Port > 65535 {
		return vfs.NewError("address", a.Host, vfs.ErrValidation, fmt.Errorf("invalid port number %d", a.Port))
	}
	return nil
}

// ParseURL parses scheme://[user[:password]@]host[:port]/path. A bare
// host[:port] is accepted too. Fields missing from raw are taken from base
// when the host matches or raw carries no user.
func ParseURL(raw string, base Address) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, vfs.NewError("parse", raw, vfs.ErrValidation, fmt.Errorf("empty address"))
	}
	base = base.Normalized()
	if !strings.Contains(raw, "://") {
		raw = base.Scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, vfs.NewError("parse", raw, vfs.ErrValidation, err)
	}

	addr := Address{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Path:   u.Path,
	}
	if addr.Host == "" {
		return Address{}, vfs.NewError("parse", raw, vfs.ErrValidation, fmt.Errorf("host is required"))
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Address{}, vfs.NewError("parse", raw, vfs.ErrValidation, fmt.Errorf("invalid port %q", p))
		}
		addr.Port = port
	}

	if u.User != nil {
		addr.User = u.User.Username()
		addr.Password, _ = u.User.Password()
	} else {
		addr.User = base.User
		addr.Password = base.Password
	}

	return addr.Normalized(), nil
}

// FromRecord converts a persisted record into an Address.
func FromRecord(rec storage.ConnectionRecord) Address {
	return Address{
		Scheme:   rec.Scheme,
		Host:     rec.Host,
		Port:     rec.Port,
		User:     rec.Username,
		Password: rec.Password,
	}.Normalized()
}

// Record converts the address into a record for the ConnectionStore.
func (a Address) Record() storage.ConnectionRecord {
	return storage.ConnectionRecord{
		Scheme:   a.Scheme,
		Host:     a.Host,
		Port:     a.Port,
		Username: a.User,
		Password: a.Password,
	}
}

// FromSettings builds the configured default address.
func FromSettings(s storage.Settings) Address {
	return Address{
		Scheme:   s.DefaultScheme,
		Host:     s.DefaultHost,
		Port:     s.DefaultPort,
		User:     s.DefaultUsername,
		Password: s.DefaultPassword,
	}.Normalized()
}
