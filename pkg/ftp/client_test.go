package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

// ftpServer answers control commands from a fixed table. Data commands use
// a single passive listener opened by EPSV or PASV.
type ftpServer struct {
	password string
	noEPSV   bool
	listing  []string

	mu    sync.Mutex
	files map[string][]byte
}

func (s *ftpServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

func (s *ftpServer) setFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[name] = data
}

func scriptedServer(t *testing.T, password string) (session.Address, func()) {
	return startServer(t, &ftpServer{password: password})
}

func startServer(t *testing.T, srv *ftpServer) (session.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveControl(conn)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	addr := session.Address{Scheme: "ftp", Host: "127.0.0.1", Port: port, User: "alice", Password: srv.password}
	return addr, func() { ln.Close() }
}

// acceptData takes the one data connection of a passive listener.
func acceptData(ln net.Listener) (net.Conn, error) {
	defer ln.Close()
	ln.(*net.TCPListener).SetDeadline(time.Now().Add(2 * time.Second))
	return ln.Accept()
}

func (s *ftpServer) serveControl(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }

	var passive net.Listener
	takePassive := func() net.Listener {
		ln := passive
		passive = nil
		return ln
	}
	defer func() {
		if passive != nil {
			passive.Close()
		}
	}()

	reply("220 test server ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch strings.ToUpper(cmd) {
		case "USER":
			reply("331 password required")
		case "PASS":
			if arg == s.password {
				reply("230 logged in")
			} else {
				reply("530 Login incorrect.")
			}
		case "TYPE", "NOOP":
			reply("200 ok")
		case "PWD":
			reply(`257 "/srv/files" is the current directory`)
		case "MKD":
			if arg == "existing" {
				reply("550 existing: File exists")
			} else {
				reply(fmt.Sprintf(`257 "%s" created`, arg))
			}
		case "DELE":
			reply("550 No such file or directory")
		case "EPSV", "PASV":
			if s.noEPSV && strings.ToUpper(cmd) == "EPSV" {
				reply("502 EPSV not implemented")
				continue
			}
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			if passive != nil {
				passive.Close()
			}
			passive = ln
			port := ln.Addr().(*net.TCPAddr).Port
			if strings.ToUpper(cmd) == "EPSV" {
				reply(fmt.Sprintf("229 Entering Extended Passive Mode (|||%d|)", port))
			} else {
				reply(fmt.Sprintf("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256))
			}
		case "LIST":
			ln := takePassive()
			if ln == nil {
				reply("425 Use PASV or EPSV first")
				continue
			}
			reply("150 Here comes the directory listing")
			dc, err := acceptData(ln)
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			for _, l := range s.listing {
				fmt.Fprintf(dc, "%s\r\n", l)
			}
			dc.Close()
			reply("226 Directory send OK")
		case "RETR":
			ln := takePassive()
			if ln == nil {
				reply("425 Use PASV or EPSV first")
				continue
			}
			data, ok := s.file(arg)
			if !ok {
				ln.Close()
				reply("550 No such file or directory")
				continue
			}
			reply("150 Opening BINARY mode data connection")
			dc, err := acceptData(ln)
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			dc.Write(data)
			dc.Close()
			reply("226 Transfer complete")
		case "STOR":
			ln := takePassive()
			if ln == nil {
				reply("425 Use PASV or EPSV first")
				continue
			}
			reply("150 Ok to send data")
			dc, err := acceptData(ln)
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			data, _ := io.ReadAll(dc)
			dc.Close()
			if arg == "hangup.bin" {
				// Drop the control channel without a final reply
				return
			}
			s.setFile(arg, data)
			reply("226 Transfer complete")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 command not implemented")
		}
	}
}

func TestDial(t *testing.T) {
	ctx := context.Background()

	t.Run("Core Functionality: Login and basic commands", func(t *testing.T) {
		addr, stop := scriptedServer(t, "secret")
		defer stop()

		drv, err := Dial(ctx, addr, 2*time.Second)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer drv.Close()

		dir, err := drv.Getwd(ctx)
		if err != nil {
			t.Fatalf("Getwd failed: %v", err)
		}
		if dir != "/srv/files" {
			t.Errorf("Expected /srv/files, got %s", dir)
		}

		if err := drv.Mkdir(ctx, "fresh"); err != nil {
			t.Errorf("Mkdir failed: %v", err)
		}
		if err := drv.Mkdir(ctx, "existing"); !errors.Is(err, vfs.ErrAlreadyExists) {
			t.Errorf("Expected ErrAlreadyExists, got %v", err)
		}
		if err := drv.DeleteFile(ctx, "missing"); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Error Handling: Wrong password is AuthRejected", func(t *testing.T) {
		addr, stop := scriptedServer(t, "secret")
		defer stop()

		addr.Password = "wrong"
		_, err := Dial(ctx, addr, 2*time.Second)
		if !session.IsReason(err, session.AuthRejected) {
			t.Fatalf("Expected AuthRejected, got %v", err)
		}
	})

	t.Run("Error Handling: Closed port is Refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		_, err = Dial(ctx, session.Address{Scheme: "ftp", Host: "127.0.0.1", Port: port, User: "u"}, time.Second)
		if !session.IsReason(err, session.Refused) {
			t.Fatalf("Expected Refused, got %v", err)
		}
	})

	t.Run("Error Handling: Silent server times out", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				time.Sleep(2 * time.Second)
				conn.Close()
			}
		}()

		port := ln.Addr().(*net.TCPAddr).Port
		_, err = Dial(ctx, session.Address{Scheme: "ftp", Host: "127.0.0.1", Port: port, User: "u"}, 200*time.Millisecond)
		if !session.IsReason(err, session.Timeout) {
			t.Fatalf("Expected Timeout, got %v", err)
		}
	})
}

func dialServer(t *testing.T, srv *ftpServer) session.Driver {
	t.Helper()
	addr, stop := startServer(t, srv)
	t.Cleanup(stop)
	drv, err := Dial(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { drv.Close() })
	return drv
}

func TestDataChannel(t *testing.T) {
	ctx := context.Background()
	listing := []string{
		"drwxr-xr-x   2 alice    staff        4096 Jan 02  2023 .",
		"-rw-r--r--   1 alice    staff           5 Jan 02  2023 a.txt",
		"not a listing line",
		"drwxr-xr-x   2 alice    staff        4096 Jan 02  2023 docs",
	}

	t.Run("Core Functionality: Listing skips malformed lines", func(t *testing.T) {
		drv := dialServer(t, &ftpServer{password: "secret", listing: listing})

		entries, err := drv.List(ctx, "/pub")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("Expected 2 entries, got %+v", entries)
		}
		if e, ok := vfs.Find(entries, "a.txt"); !ok || e.IsDir() || e.Size != 5 {
			t.Errorf("Unexpected a.txt entry %+v", e)
		}
		if e, ok := vfs.Find(entries, "docs"); !ok || !e.IsDir() || e.Size != 0 {
			t.Errorf("Unexpected docs entry %+v", e)
		}
	})

	t.Run("Edge Case: PASV is used when EPSV is refused", func(t *testing.T) {
		drv := dialServer(t, &ftpServer{password: "secret", noEPSV: true, listing: listing})

		for i := 0; i < 2; i++ {
			entries, err := drv.List(ctx, "/pub")
			if err != nil || len(entries) != 2 {
				t.Fatalf("List %d: %+v, %v", i, entries, err)
			}
		}
	})

	t.Run("Core Functionality: Store then retrieve", func(t *testing.T) {
		srv := &ftpServer{password: "secret"}
		drv := dialServer(t, srv)

		w, err := drv.Store(ctx, "up.txt")
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if _, err := io.WriteString(w, "hello ftp"); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if data, ok := srv.file("up.txt"); !ok || string(data) != "hello ftp" {
			t.Fatalf("Server got %q", data)
		}

		r, err := drv.Retrieve(ctx, "up.txt")
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if err := r.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if string(data) != "hello ftp" {
			t.Errorf("Expected %q, got %q", "hello ftp", data)
		}

		if _, err := drv.Retrieve(ctx, "missing.txt"); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		if _, err := drv.Getwd(ctx); err != nil {
			t.Errorf("Control channel unusable after a failed retrieve: %v", err)
		}
	})

	t.Run("Error Handling: Abort mid upload is interrupted and keeps the connection", func(t *testing.T) {
		srv := &ftpServer{password: "secret"}
		drv := dialServer(t, srv)

		w, err := drv.Store(ctx, "big.bin")
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if _, err := w.Write([]byte(strings.Repeat("x", 4096))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := drv.Abort(); err != nil {
			t.Fatalf("Abort failed: %v", err)
		}
		if _, err := w.Write([]byte("more")); err == nil {
			t.Error("Expected writes to fail after abort")
		}

		err = w.Close()
		if !errors.Is(err, vfs.ErrInterrupted) {
			t.Fatalf("Expected ErrInterrupted, got %v", err)
		}
		if errors.Is(err, vfs.ErrConnectionLost) {
			t.Errorf("Abort should not report a lost connection: %v", err)
		}
		if dir, err := drv.Getwd(ctx); err != nil || dir != "/srv/files" {
			t.Errorf("Expected the control channel usable, got %q, %v", dir, err)
		}
	})

	t.Run("Error Handling: Abort with a dead control channel is a lost connection", func(t *testing.T) {
		drv := dialServer(t, &ftpServer{password: "secret"})

		w, err := drv.Store(ctx, "hangup.bin")
		if err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if _, err := w.Write([]byte("partial")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		drv.Abort()

		if err := w.Close(); !errors.Is(err, vfs.ErrConnectionLost) {
			t.Fatalf("Expected ErrConnectionLost, got %v", err)
		}
	})
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		op   string
		err  error
		want error
	}{
		{"550 missing", "retrieve", &textproto.Error{Code: 550, Msg: "No such file"}, vfs.ErrNotFound},
		{"550 permission", "store", &textproto.Error{Code: 550, Msg: "Permission denied"}, vfs.ErrPermissionDenied},
		{"550 mkdir exists", "mkdir", &textproto.Error{Code: 550, Msg: "Directory exists"}, vfs.ErrAlreadyExists},
		{"553", "store", &textproto.Error{Code: 553, Msg: "Could not create file"}, vfs.ErrPermissionDenied},
		{"552", "store", &textproto.Error{Code: 552, Msg: "Quota exceeded"}, vfs.ErrDiskFull},
		{"452", "store", &textproto.Error{Code: 452, Msg: "Insufficient storage"}, vfs.ErrDiskFull},
		{"421", "list", &textproto.Error{Code: 421, Msg: "Timeout"}, vfs.ErrConnectionLost},
		{"426", "retrieve", &textproto.Error{Code: 426, Msg: "Transfer aborted"}, vfs.ErrInterrupted},
		{"500", "list", &textproto.Error{Code: 500, Msg: "Syntax error"}, vfs.ErrProtocol},
		{"eof", "list", io.EOF, vfs.ErrConnectionLost},
		{"wrapped", "store", fmt.Errorf("stor: %w", &textproto.Error{Code: 552}), vfs.ErrDiskFull},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.op, "/p", tc.err)
			if !errors.Is(got, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}

	if mapError("list", "/", nil) != nil {
		t.Error("nil should map to nil")
	}
}

func TestDeadlineConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dc := &deadlineConn{Conn: client, timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := dc.Read(make([]byte, 1))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected a timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Read blocked far longer than the deadline")
	}
}
