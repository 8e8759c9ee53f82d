// Package archive keeps a copy of every uploaded CSV in S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dissolve/api/internal/util"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Archiver stores uploads. A nil *Archiver is valid and discards everything.
type Archiver struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// New connects to the object store and creates the bucket if needed.
// It returns nil when the config is not enabled.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Archiver{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// Put stores body under a key derived from kind and returns the key.
// A nil Archiver returns an empty key and no error.
func (a *Archiver) Put(ctx context.Context, kind string, body []byte) (string, error) {
	if a == nil || a.client == nil {
		return "", nil
	}
	key := ObjectKey(kind, a.now(), util.NewID("up"))
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey builds uploads/<kind>/<yyyy>/<mm>/<timestamp>-<id>.csv.
func ObjectKey(kind string, at time.Time, id string) string {
	at = at.UTC()
	if kind == "" {
		kind = "misc"
	}
	return fmt.Sprintf("uploads/%s/%04d/%02d/%s-%s.csv", kind, at.Year(), int(at.Month()), at.Format("20060102T150405Z"), id)
}
