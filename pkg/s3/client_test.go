package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

const stamp = "2024-01-02T03:04:05.000Z"

// fakeS3 implements the handful of path-style S3 calls the driver makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte // "bucket/key"
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Authorization"), "Credential=bad/") {
		writeError(w, http.StatusForbidden, "InvalidAccessKeyId")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case bucket == "":
		f.listBuckets(w)
	case key == "":
		f.bucketOp(w, r, bucket)
	default:
		f.objectOp(w, r, bucket, key)
	}
}

func (f *fakeS3) listBuckets(w http.ResponseWriter) {
	var names []string
	for b := range f.buckets {
		names = append(names, b)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListAllMyBucketsResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Owner><ID>me</ID></Owner><Buckets>`)
	for _, n := range names {
		fmt.Fprintf(&sb, `<Bucket><Name>%s</Name><CreationDate>%s</CreationDate></Bucket>`, n, stamp)
	}
	sb.WriteString(`</Buckets></ListAllMyBucketsResult>`)
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, sb.String())
}

func (f *fakeS3) bucketOp(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodPut:
		f.buckets[bucket] = true
	case http.MethodDelete:
		delete(f.buckets, bucket)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodGet:
		if !f.buckets[bucket] {
			writeError(w, http.StatusNotFound, "NoSuchBucket")
			return
		}
		f.listObjects(w, r, bucket)
	}
}

func (f *fakeS3) listObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delim := q.Get("delimiter")
	maxKeys := 1000
	if v, err := strconv.Atoi(q.Get("max-keys")); err == nil {
		maxKeys = v
	}

	var keys []string
	for k := range f.objects {
		b, rest, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(rest, prefix) {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)

	var contents, prefixes strings.Builder
	seen := map[string]bool{}
	count := 0
	for _, k := range keys {
		if count >= maxKeys {
			break
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					count++
					fmt.Fprintf(&prefixes, `<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>`, cp)
				}
				continue
			}
		}
		count++
		fmt.Fprintf(&contents, `<Contents><Key>%s</Key><LastModified>%s</LastModified><Size>%d</Size></Contents>`,
			k, stamp, len(f.objects[bucket+"/"+k]))
	}

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>%d</MaxKeys><IsTruncated>false</IsTruncated>%s%s</ListBucketResult>`,
		bucket, prefix, count, maxKeys, contents.String(), prefixes.String())
}

func (f *fakeS3) objectOp(w http.ResponseWriter, r *http.Request, bucket, key string) {
	id := bucket + "/" + key
	switch r.Method {
	case http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			src, _ = url.PathUnescape(strings.TrimPrefix(src, "/"))
			data, ok := f.objects[src]
			if !ok {
				writeError(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			f.objects[id] = append([]byte(nil), data...)
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><CopyObjectResult><ETag>"etag"</ETag><LastModified>%s</LastModified></CopyObjectResult>`, stamp)
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.objects[id] = data
		w.Header().Set("ETag", `"etag"`)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[id]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func testAddress(t *testing.T, srv *httptest.Server, user string) session.Address {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return session.Address{Scheme: "s3", Host: host, Port: port, User: user, Password: "secret"}
}

func TestDial(t *testing.T) {
	srv := httptest.NewServer(newFakeS3())
	defer srv.Close()
	ctx := context.Background()

	t.Run("Core Functionality: Valid credentials", func(t *testing.T) {
		drv, err := Dial(ctx, testAddress(t, srv, "AKID"), 2*time.Second)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		drv.Close()
	})

	t.Run("Error Handling: Rejected credentials", func(t *testing.T) {
		_, err := Dial(ctx, testAddress(t, srv, "bad"), 2*time.Second)
		if !session.IsReason(err, session.AuthRejected) {
			t.Errorf("Expected AuthRejected, got %v", err)
		}
	})
}

func TestClientOperations(t *testing.T) {
	srv := httptest.NewServer(newFakeS3())
	defer srv.Close()
	ctx := context.Background()

	drv, err := Dial(ctx, testAddress(t, srv, "AKID"), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c := drv.(*Client)

	t.Run("Core Functionality: Buckets and directories", func(t *testing.T) {
		if err := c.Mkdir(ctx, "/media"); err != nil {
			t.Fatalf("CreateBucket failed: %v", err)
		}
		root, err := c.List(ctx, "/")
		if err != nil {
			t.Fatal(err)
		}
		if e, ok := vfs.Find(root, "media"); !ok || !e.IsDir() {
			t.Fatalf("Expected bucket listed as directory, got %+v", root)
		}

		if err := c.Mkdir(ctx, "/media/docs"); err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		entries, err := c.List(ctx, "/media")
		if err != nil {
			t.Fatal(err)
		}
		if e, ok := vfs.Find(entries, "docs"); !ok || !e.IsDir() {
			t.Errorf("Expected docs directory, got %+v", entries)
		}

		if err := c.Mkdir(ctx, "/media/docs"); !errors.Is(err, vfs.ErrAlreadyExists) {
			t.Errorf("Expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("Core Functionality: Store and retrieve", func(t *testing.T) {
		w, err := c.Store(ctx, "/media/docs/a.txt")
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, "hello ")
		io.WriteString(w, "bucket")
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		entries, err := c.List(ctx, "/media/docs")
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].Size != 12 {
			t.Fatalf("Unexpected listing %+v", entries)
		}

		r, err := c.Retrieve(ctx, "/media/docs/a.txt")
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(r)
		r.Close()
		if string(data) != "hello bucket" {
			t.Errorf("Unexpected content %q", data)
		}

		if size, err := c.Size(ctx, "/media/docs/a.txt"); err != nil || size != 12 {
			t.Errorf("Size = %d, %v", size, err)
		}
	})

	t.Run("Core Functionality: Rename copies and deletes", func(t *testing.T) {
		if err := c.Rename(ctx, "/media/docs/a.txt", "/media/docs/b.txt"); err != nil {
			t.Fatalf("Rename failed: %v", err)
		}
		entries, _ := c.List(ctx, "/media/docs")
		if _, ok := vfs.Find(entries, "a.txt"); ok {
			t.Error("Source should be gone after rename")
		}
		if _, ok := vfs.Find(entries, "b.txt"); !ok {
			t.Error("Target should exist after rename")
		}
	})

	t.Run("Error Handling: Missing objects", func(t *testing.T) {
		if err := c.DeleteFile(ctx, "/media/nope.txt"); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		if _, err := c.Retrieve(ctx, "/media/nope.txt"); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Edge Case: Non-empty directory is not removed", func(t *testing.T) {
		if err := c.DeleteEmptyDir(ctx, "/media/docs"); !errors.Is(err, vfs.ErrIO) {
			t.Errorf("Expected ErrIO, got %v", err)
		}
		if err := c.DeleteFile(ctx, "/media/docs/b.txt"); err != nil {
			t.Fatal(err)
		}
		if err := c.DeleteEmptyDir(ctx, "/media/docs"); err != nil {
			t.Errorf("DeleteEmptyDir failed: %v", err)
		}
	})

	t.Run("Side Effects: Aborted upload is not sent", func(t *testing.T) {
		w, err := c.Store(ctx, "/media/partial.bin")
		if err != nil {
			t.Fatal(err)
		}
		w.Write(make([]byte, 64))
		c.Abort()
		if err := w.Close(); !errors.Is(err, vfs.ErrInterrupted) {
			t.Errorf("Expected ErrInterrupted, got %v", err)
		}
		if _, err := c.Size(ctx, "/media/partial.bin"); !errors.Is(err, vfs.ErrNotFound) {
			t.Errorf("Aborted object should not exist, got %v", err)
		}
	})
}

func TestSplit(t *testing.T) {
	cases := []struct{ in, bucket, key string }{
		{"/", "", ""},
		{"/b", "b", ""},
		{"/b/", "b", ""},
		{"/b/x/y.txt", "b", "x/y.txt"},
	}
	for _, tc := range cases {
		b, k := split(tc.in)
		if b != tc.bucket || k != tc.key {
			t.Errorf("split(%q) = %q, %q", tc.in, b, k)
		}
	}
}
