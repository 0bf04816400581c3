package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChrisB0-2/extension-guard/internal/core"
	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// S3Config configures the object storage backend.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool

	// QuarantinePrefix, when set, receives copies of cascade-removed
	// objects before the originals are deleted.
	QuarantinePrefix string
}

// S3 keeps blobs in an S3-compatible bucket. Locators are object keys.
type S3 struct {
	cl     *minio.Client
	bucket string
	prefix string
	now    func() time.Time
	log    logger.Logger
}

// NewS3 creates a client for cfg. It does not contact the server.
func NewS3(cfg S3Config, log logger.Logger) (*S3, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return &S3{
		cl:     cl,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.QuarantinePrefix, "/"),
		now:    time.Now,
		log:    logger.OrNop(log),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3) EnsureBucket(ctx context.Context, region string) error {
	ok, err := s.cl.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.cl.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	s.log.Info("bucket created", logger.F("bucket", s.bucket))
	return nil
}

func (s *S3) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	key := s.now().UTC().Format("2006/01/02") + "/" + name
	_, err := s.cl.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (s *S3) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if _, err := s.stat(ctx, locator); err != nil {
		return nil, err
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, locator, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

// Delete removes the object. S3 deletes are idempotent, so the object is
// looked up first to report ErrNotFound.
func (s *S3) Delete(ctx context.Context, locator string) error {
	if _, err := s.stat(ctx, locator); err != nil {
		return err
	}
	if err := s.cl.RemoveObject(ctx, s.bucket, locator, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Quarantine copies the object under the quarantine prefix, then deletes
// the original. Without a prefix it only deletes.
func (s *S3) Quarantine(ctx context.Context, locator, reason string) error {
	if s.prefix == "" {
		return s.Delete(ctx, locator)
	}
	if _, err := s.stat(ctx, locator); err != nil {
		return err
	}

	src := minio.CopySrcOptions{Bucket: s.bucket, Object: locator}
	dst := minio.CopyDestOptions{
		Bucket:          s.bucket,
		Object:          s.prefix + "/" + locator,
		UserMetadata:    map[string]string{"Quarantine-Reason": reason},
		ReplaceMetadata: true,
	}
	if _, err := s.cl.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("copy to quarantine: %w", err)
	}
	if err := s.cl.RemoveObject(ctx, s.bucket, locator, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (s *S3) stat(ctx context.Context, locator string) (minio.ObjectInfo, error) {
	info, err := s.cl.StatObject(ctx, s.bucket, locator, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return minio.ObjectInfo{}, core.ErrNotFound
		}
		return minio.ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	return info, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

var (
	_ core.BlobStore   = (*S3)(nil)
	_ core.Quarantiner = (*S3)(nil)
)
