package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates the bucket archived chunks are written to.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3BlobStore keeps blobs in an S3 compatible bucket.
type S3BlobStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore creates a client for cfg. Without static keys the credentials
// come from the standard AWS environment variables.
func NewS3BlobStore(cfg S3Config) (*S3BlobStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive needs an endpoint and a bucket")
	}
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Region: cfg.Region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3BlobStore) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// CheckBucket verifies the bucket exists.
func (s *S3BlobStore) CheckBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to find bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3BlobStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", s.key(name), mapS3Error(err))
	}
	return nil
}

func (s *S3BlobStore) ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+int64(len(p))-1); err != nil {
		return 0, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), opts)
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", s.key(name), mapS3Error(err))
	}
	defer obj.Close()
	n, err := io.ReadFull(obj, p)
	if err != nil {
		return n, fmt.Errorf("failed to read %s at %d: %w", s.key(name), off, mapS3Error(err))
	}
	return n, nil
}

func (s *S3BlobStore) Size(ctx context.Context, name string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", s.key(name), mapS3Error(err))
	}
	return info.Size, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", s.key(name), mapS3Error(err))
	}
	return nil
}

// mapS3Error turns missing keys into ErrBlobNotFound.
func mapS3Error(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return fmt.Errorf("%w: %v", ErrBlobNotFound, err)
	}
	return err
}
