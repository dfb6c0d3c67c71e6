package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/polisai/polis-runner/pkg/domain"
)

// ObjectStoreConfig describes an S3-compatible endpoint.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (c ObjectStoreConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("object store endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("object store bucket is required")
	}
	return nil
}

// NewMinIOClient builds a client for the configured endpoint.
func NewMinIOClient(cfg ObjectStoreConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// EnsureBucket creates the bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ObjectUploader is the subset of *minio.Client used by the mirror.
type ObjectUploader interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MirrorConfig holds dependencies for creating an ArtifactMirror.
type MirrorConfig struct {
	Client  ObjectUploader
	Bucket  string
	Prefix  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// ArtifactMirror copies a finished run's directory to object storage under
// <prefix>/<run_id>/<file>. It observes run completion and ignores progress.
type ArtifactMirror struct {
	client  ObjectUploader
	bucket  string
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewArtifactMirror creates a mirror writing into cfg.Bucket.
func NewArtifactMirror(cfg MirrorConfig) (*ArtifactMirror, error) {
	if cfg.Client == nil {
		return nil, errors.New("artifact mirror: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("artifact mirror: bucket is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ArtifactMirror{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// OnProgress is a no-op.
func (m *ArtifactMirror) OnProgress(domain.Run) {}

// OnComplete uploads the run directory. Failures are logged.
func (m *ArtifactMirror) OnComplete(run domain.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	uploaded, err := m.Upload(ctx, run)
	if err != nil {
		m.logger.Error("failed to mirror run artifacts",
			"run_id", run.ID,
			"bucket", m.bucket,
			"uploaded", uploaded,
			"error", err,
		)
		return
	}
	m.logger.Info("mirrored run artifacts", "run_id", run.ID, "bucket", m.bucket, "files", uploaded)
}

// Upload copies every regular file below run.WorkDir and returns how many
// were uploaded.
func (m *ArtifactMirror) Upload(ctx context.Context, run domain.Run) (int, error) {
	if run.WorkDir == "" {
		return 0, fmt.Errorf("run %s has no working directory", run.ID)
	}

	uploaded := 0
	err := filepath.WalkDir(run.WorkDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(run.WorkDir, p)
		if err != nil {
			return err
		}
		key := m.ObjectKey(run.ID, rel)
		opts := minio.PutObjectOptions{
			ContentType:  contentTypeFor(rel),
			UserMetadata: map[string]string{"run-id": run.ID, "run-status": string(run.Status)},
		}
		if _, err := m.client.FPutObject(ctx, m.bucket, key, p, opts); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

// ObjectKey returns the object name for a file relative to the run directory.
func (m *ArtifactMirror) ObjectKey(runID, rel string) string {
	key := path.Join(runID, filepath.ToSlash(rel))
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return key
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case NodeLogSuffix, ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
