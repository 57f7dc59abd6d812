// Package s3 is the s3:// driver of the session layer. The first path
// segment is the bucket and "/" lists the buckets.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/quocson95/ftpdeck/pkg/session"
	"github.com/quocson95/ftpdeck/pkg/vfs"
)

const (
	defaultRegion = "us-east-1"
	dirMarker     = "/"
)

var errAborted = errors.New("transfer aborted")

// Client handles S3 operations
type Client struct {
	s3Client *s3.Client

	mu      sync.Mutex
	body    io.Closer
	cancel  context.CancelFunc
	aborted bool
}

// Dial builds the client and checks the credentials with ListBuckets. It
// satisfies session.Dialer.
func Dial(ctx context.Context, addr session.Address, timeout time.Duration) (session.Driver, error) {
	c, err := NewClient(ctx, Endpoint(addr), addr.User, addr.Password)
	if err != nil {
		return nil, session.DialError(addr, err)
	}

	if _, err := c.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		if isAuthError(err) {
			return nil, session.AuthError(addr, err)
		}
		return nil, session.DialError(addr, err)
	}
	return c, nil
}

// Endpoint is the base URL for addr. Port 443 means https.
func Endpoint(addr session.Address) string {
	scheme := "http"
	if addr.Port == 443 {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, addr.HostPort())
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, endpoint, accessKey, secretKey string) (*Client, error) {
	if endpoint == "" || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("missing S3 configuration")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion(defaultRegion),
		config.WithRetryMaxAttempts(1),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true // MinIO and most S3-compatible servers
	})
	return &Client{s3Client: client}, nil
}

// split turns "/bucket/a/b" into ("bucket", "a/b").
func split(p string) (bucket, key string) {
	p = strings.Trim(p, "/")
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSuffix(key, "/") + dirMarker
}

func (c *Client) List(ctx context.Context, p string) ([]vfs.DirEntry, error) {
	bucket, key := split(p)
	if bucket == "" {
		return c.listBuckets(ctx)
	}

	prefix := dirPrefix(key)
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(dirMarker),
	})

	var entries []vfs.DirEntry
	seen := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), dirMarker)
			seen = true
			if name == "" {
				continue
			}
			entries = append(entries, vfs.DirEntry{Name: name, Kind: vfs.KindDir})
		}
		for _, obj := range page.Contents {
			seen = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			entries = append(entries, vfs.DirEntry{
				Name:    name,
				Kind:    vfs.KindFile,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	if !seen && key != "" {
		return nil, vfs.NewError("list", p, vfs.ErrNotFound, nil)
	}
	return entries, nil
}

func (c *Client) listBuckets(ctx context.Context) ([]vfs.DirEntry, error) {
	out, err := c.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, mapError("list", "/", err)
	}
	entries := make([]vfs.DirEntry, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		entries = append(entries, vfs.DirEntry{
			Name:    aws.ToString(b.Name),
			Kind:    vfs.KindDir,
			ModTime: aws.ToTime(b.CreationDate),
		})
	}
	return entries, nil
}

// prefixExists reports whether any object lives under the directory key.
func (c *Client) prefixExists(ctx context.Context, bucket, key string) (bool, error) {
	out, err := c.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	bucket, key := split(p)
	if bucket == "" {
		return vfs.NewError("mkdir", p, vfs.ErrPermissionDenied, errors.New("cannot create the root"))
	}
	if key == "" {
		_, err := c.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
		return mapError("mkdir", p, err)
	}

	exists, err := c.prefixExists(ctx, bucket, key)
	if err != nil {
		return mapError("mkdir", p, err)
	}
	if exists {
		return vfs.NewError("mkdir", p, vfs.ErrAlreadyExists, nil)
	}

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(dirPrefix(key)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	return mapError("mkdir", p, err)
}

// Rename copies then deletes. A directory moves every object below it.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	srcBucket, srcKey := split(from)
	dstBucket, dstKey := split(to)
	if srcKey == "" || dstKey == "" {
		return vfs.NewError("rename", from, vfs.ErrPermissionDenied, errors.New("buckets cannot be renamed"))
	}

	if _, err := c.head(ctx, srcBucket, srcKey); err == nil {
		return mapError("rename", from, c.move(ctx, srcBucket, srcKey, dstBucket, dstKey))
	} else if !errors.Is(mapError("rename", from, err), vfs.ErrNotFound) {
		return mapError("rename", from, err)
	}

	srcPrefix := dirPrefix(srcKey)
	dstPrefix := dirPrefix(dstKey)
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(srcBucket),
		Prefix: aws.String(srcPrefix),
	})
	moved := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapError("rename", from, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if err := c.move(ctx, srcBucket, k, dstBucket, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
				return mapError("rename", from, err)
			}
			moved++
		}
	}
	if moved == 0 {
		return vfs.NewError("rename", from, vfs.ErrNotFound, nil)
	}
	return nil
}

func (c *Client) move(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(srcBucket) + "/" + escapeKey(srcKey)),
	})
	if err != nil {
		return err
	}
	_, err = c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(srcBucket),
		Key:    aws.String(srcKey),
	})
	return err
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *Client) head(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	return c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
}

// DeleteFile checks existence first because DeleteObject succeeds for
// missing keys.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	bucket, key := split(p)
	if key == "" {
		return vfs.NewError("delete", p, vfs.ErrPermissionDenied, errors.New("not a file"))
	}
	if _, err := c.head(ctx, bucket, key); err != nil {
		return mapError("delete", p, err)
	}
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return mapError("delete", p, err)
}

func (c *Client) DeleteEmptyDir(ctx context.Context, p string) error {
	bucket, key := split(p)
	if bucket == "" {
		return vfs.NewError("rmdir", p, vfs.ErrPermissionDenied, errors.New("cannot remove the root"))
	}
	if key == "" {
		_, err := c.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
		return mapError("rmdir", p, err)
	}

	prefix := dirPrefix(key)
	out, err := c.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return mapError("rmdir", p, err)
	}

	marker := false
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			return vfs.NewError("rmdir", p, vfs.ErrIO, errors.New("directory not empty"))
		}
		marker = true
	}
	if len(out.CommonPrefixes) > 0 {
		return vfs.NewError("rmdir", p, vfs.ErrIO, errors.New("directory not empty"))
	}
	if !marker {
		return vfs.NewError("rmdir", p, vfs.ErrNotFound, nil)
	}

	_, err = c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(prefix),
	})
	return mapError("rmdir", p, err)
}

func (c *Client) Size(ctx context.Context, p string) (int64, error) {
	bucket, key := split(p)
	out, err := c.head(ctx, bucket, key)
	if err != nil {
		return 0, mapError("size", p, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (c *Client) Getwd(ctx context.Context) (string, error) {
	return "/", nil
}

// transferContext detaches the request from ctx's deadline while keeping
// cancellation, so a long body is not cut by the control timeout.
func (c *Client) transferContext(ctx context.Context) context.Context {
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cancel()
		}
	})
	c.mu.Lock()
	c.cancel = func() {
		stop()
		cancel()
	}
	c.aborted = false
	c.mu.Unlock()
	return tctx
}

func (c *Client) Retrieve(ctx context.Context, p string) (io.ReadCloser, error) {
	bucket, key := split(p)
	tctx := c.transferContext(ctx)
	out, err := c.s3Client.GetObject(tctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		c.endTransfer()
		return nil, mapError("retrieve", p, err)
	}

	c.mu.Lock()
	c.body = out.Body
	c.mu.Unlock()
	return &objectReader{c: c, body: out.Body, path: p}, nil
}

// Store spools to a temporary file and sends it with PutObject on Close.
func (c *Client) Store(ctx context.Context, p string) (io.WriteCloser, error) {
	bucket, key := split(p)
	if key == "" {
		return nil, vfs.NewError("store", p, vfs.ErrPermissionDenied, errors.New("not a file"))
	}
	tmp, err := os.CreateTemp("", "ftpdeck-s3-*")
	if err != nil {
		return nil, vfs.FromOS("store", p, err)
	}
	tctx := c.transferContext(ctx)
	return &objectWriter{c: c, ctx: tctx, tmp: tmp, bucket: bucket, key: key, path: p}, nil
}

func (c *Client) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Client) endTransfer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	aborted := c.aborted
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.body = nil
	c.aborted = false
	return aborted
}

// Abort cancels the running request and closes an open response body.
func (c *Client) Abort() error {
	c.mu.Lock()
	c.aborted = true
	cancel := c.cancel
	body := c.body
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
	}
	return nil
}

func (c *Client) Close() error {
	return nil
}

type objectReader struct {
	c      *Client
	body   io.ReadCloser
	path   string
	closed bool
}

func (r *objectReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err != nil && err != io.EOF {
		if r.c.isAborted() {
			return n, vfs.NewError("retrieve", r.path, vfs.ErrInterrupted, err)
		}
		err = mapError("retrieve", r.path, err)
	}
	return n, err
}

func (r *objectReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.body.Close()
	if r.c.endTransfer() {
		return vfs.NewError("retrieve", r.path, vfs.ErrInterrupted, errAborted)
	}
	return nil
}

type objectWriter struct {
	c      *Client
	ctx    context.Context
	tmp    *os.File
	bucket string
	key    string
	path   string
	closed bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.c.isAborted() {
		return 0, vfs.NewError("store", w.path, vfs.ErrInterrupted, errAborted)
	}
	n, err := w.tmp.Write(p)
	if err != nil {
		return n, vfs.FromOS("store", w.path, err)
	}
	return n, nil
}

func (w *objectWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer os.Remove(w.tmp.Name())
	defer w.tmp.Close()

	if w.c.isAborted() {
		w.c.endTransfer()
		return vfs.NewError("store", w.path, vfs.ErrInterrupted, errAborted)
	}

	size, err := w.tmp.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = w.tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		w.c.endTransfer()
		return vfs.FromOS("store", w.path, err)
	}

	_, err = w.c.s3Client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(w.key),
		Body:          w.tmp,
		ContentLength: aws.Int64(size),
	})
	if w.c.endTransfer() {
		return vfs.NewError("store", w.path, vfs.ErrInterrupted, errAborted)
	}
	return mapError("store", w.path, err)
}

func isAuthError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && (respErr.HTTPStatusCode() == http.StatusForbidden || respErr.HTTPStatusCode() == http.StatusUnauthorized)
}

// mapError classifies S3 API errors and transport failures.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *vfs.OpError
	if errors.As(err, &opErr) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return vfs.NewError(op, path, vfs.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return vfs.NewError(op, path, vfs.ErrPermissionDenied, err)
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return vfs.NewError(op, path, vfs.ErrAlreadyExists, err)
		case "BucketNotEmpty":
			return vfs.NewError(op, path, vfs.ErrIO, err)
		case "EntityTooLarge", "QuotaExceeded":
			return vfs.NewError(op, path, vfs.ErrDiskFull, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return vfs.NewError(op, path, vfs.ErrNotFound, err)
		case code == http.StatusForbidden || code == http.StatusUnauthorized:
			return vfs.NewError(op, path, vfs.ErrPermissionDenied, err)
		case code == http.StatusConflict:
			return vfs.NewError(op, path, vfs.ErrAlreadyExists, err)
		case code >= 400 && code < 500:
			return vfs.NewError(op, path, vfs.ErrProtocol, err)
		default:
			return vfs.NewError(op, path, vfs.ErrIO, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return vfs.NewError(op, path, vfs.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return vfs.NewError(op, path, vfs.ErrInterrupted, err)
	}
	if netErr := vfs.FromNet(op, path, err); netErr != nil {
		return netErr
	}
	return vfs.NewError(op, path, vfs.ErrIO, err)
}
