// Package blobstore provides S3-compatible object storage for attachment
// bodies. Objects are addressed by content hash so repeated uploads of the
// same attachment deduplicate instead of duplicating.
package blobstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"
)

// Store is the blob interface the upload capability depends on.
type Store interface {
	// Put stores body under key. Writing the same key twice is
	// harmless.
	Put(ctx context.Context, key string, body []byte,
		contentType string) error

	// Get retrieves the body stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// ContentKey derives the storage key for an attachment body: the folder,
// the BLAKE3 hash of the content, and the original filename. The hash
// makes the key deterministic per content, so a retried upload lands on
// the same object.
func ContentKey(folder, filename string, body []byte) string {
	sum := blake3.Sum256(body)

	return path.Join(folder, hex.EncodeToString(sum[:]), filename)
}

// S3Config holds the S3 endpoint settings.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store is a Store backed by any S3-compatible endpoint.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store initializes the S3 client. The bucket must already exist.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			cfg.AccessKey, cfg.SecretKey, "",
		),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put stores body under key.
func (s *S3Store) Put(ctx context.Context, key string, body []byte,
	contentType string) error {

	_, err := s.client.PutObject(
		ctx, s.bucket, key,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType:    contentType,
			SendContentMd5: true,
		},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	return nil
}

// Get retrieves the body stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(
		ctx, s.bucket, key, minio.GetObjectOptions{},
	)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}

	return body, nil
}

var _ Store = (*S3Store)(nil)
