package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type StoreConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Store is the object storage the clip archive writes to.
type Store interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error
}

type minioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to an S3-compatible endpoint and makes sure the
// bucket exists.
func NewMinioStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &minioStore{client: cl, bucket: cfg.Bucket}, nil
}

func (m *minioStore) Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error {
	opts := minio.PutObjectOptions{UserMetadata: metadata, ContentType: "video/mp4"}
	_, err := m.client.PutObject(ctx, m.bucket, key, reader, size, opts)
	return err
}
