package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig configures the S3-compatible audit archive.
type ObjectConfig struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
	Region    string `mapstructure:"region" json:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl"`
	Bucket    string `mapstructure:"bucket" json:"bucket"`
	Prefix    string `mapstructure:"prefix" json:"prefix"`
}

func (c ObjectConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("audit endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("audit endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("audit access and secret keys are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("audit bucket is required")
	}
	return nil
}

// objectPutter is the subset of *minio.Client the sink needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink archives each entry as one JSON object under
// <prefix>/<run_id>/<timestamp>-<event>-<id>.json.
type ObjectSink struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewObjectSink connects to the object store and creates the bucket when it
// does not exist.
func NewObjectSink(ctx context.Context, cfg ObjectConfig) (*ObjectSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("audit object client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("audit bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create audit bucket: %w", err)
		}
	}
	return newObjectSink(client, cfg.Bucket, cfg.Prefix), nil
}

func newObjectSink(client objectPutter, bucket, prefix string) *ObjectSink {
	if prefix == "" {
		prefix = "audit"
	}
	return &ObjectSink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

func (s *ObjectSink) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	key := s.objectKey(e)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put audit object %s: %w", key, err)
	}
	return nil
}

func (s *ObjectSink) objectKey(e Entry) string {
	run := e.RunID
	if run == "" {
		run = "_system"
	}
	name := fmt.Sprintf("%s-%s-%s.json",
		e.At.UTC().Format("20060102T150405.000000000Z"),
		e.Event,
		uuid.NewString()[:8])
	return path.Join(s.prefix, run, name)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
