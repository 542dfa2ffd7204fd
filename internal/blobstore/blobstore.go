// Package blobstore moves built images between workers and S3-compatible
// object storage.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/cardforge/cardforge/internal/models"
)

// Store is the artifact storage used by creator and writer-host workers.
type Store interface {
	// Upload stores a local file and returns its reference. Public
	// uploads get a stable browser-reachable URL. A non-zero expireOn
	// is asserted as object-level auto-expiry metadata.
	Upload(ctx context.Context, localPath, objectName string, public bool, expireOn time.Time) (*models.ImageRef, error)
	// Download fetches an object to a local path and verifies its
	// checksum against the reference.
	Download(ctx context.Context, ref *models.ImageRef, localPath string) error
	// Remove deletes an object.
	Remove(ctx context.Context, objectName string) error
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL is the externally reachable prefix for public
	// objects, e.g. https://images.example.org.
	PublicBaseURL string
}

// S3Store implements Store on any S3-compatible service.
type S3Store struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Store connects to the object store and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("blobstore endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "cardforge-images"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect object store")
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "create bucket")
		}
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

// Upload implements Store.
func (s *S3Store) Upload(ctx context.Context, localPath, objectName string, public bool, expireOn time.Time) (*models.ImageRef, error) {
	sum, size, err := fileChecksum(localPath)
	if err != nil {
		return nil, err
	}
	opts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"checksum": sum,
		},
	}
	if !expireOn.IsZero() {
		// Expires is carried on the object itself; the tag lets bucket
		// lifecycle rules collect leftovers of failed orders.
		opts.Expires = expireOn
		opts.UserTags = map[string]string{"expire-on": expireOn.UTC().Format(time.RFC3339)}
	}
	_, err = s.client.FPutObject(ctx, s.cfg.Bucket, objectName, localPath, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "upload %s", objectName)
	}

	ref := &models.ImageRef{
		Name:     path.Base(objectName),
		Checksum: sum,
		Size:     size,
	}
	if public && s.cfg.PublicBaseURL != "" {
		ref.URL = s.cfg.PublicBaseURL + "/" + objectName
	}
	return ref, nil
}

// Download implements Store. The fetched file is discarded when its
// checksum does not match the reference.
func (s *S3Store) Download(ctx context.Context, ref *models.ImageRef, localPath string) error {
	objectName := ref.Name
	err := s.client.FGetObject(ctx, s.cfg.Bucket, objectName, localPath, minio.GetObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "download %s", objectName)
	}
	sum, size, err := fileChecksum(localPath)
	if err != nil {
		return err
	}
	if ref.Size > 0 && size != ref.Size {
		os.Remove(localPath)
		return errors.Errorf("size mismatch for %s: got %d, want %d", objectName, size, ref.Size)
	}
	if ref.Checksum != "" && sum != ref.Checksum {
		os.Remove(localPath)
		return errors.Errorf("checksum mismatch for %s", objectName)
	}
	return nil
}

// Remove implements Store.
func (s *S3Store) Remove(ctx context.Context, objectName string) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, objectName, minio.RemoveObjectOptions{})
	return errors.Wrapf(err, "remove %s", objectName)
}

func fileChecksum(localPath string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, errors.Wrap(err, "open artifact")
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrap(err, "hash artifact")
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
