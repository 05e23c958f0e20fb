package cloud

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jackzampolin/drender/internal/types"
)

// OutputPrefix is the key prefix render output lands under in a project's
// bucket.
const OutputPrefix = "output/"

// S3StorageProvider backs StorageProvider with an S3-compatible object
// store. Each project gets a bucket named after its id with rendered
// frames under the output prefix.
type S3StorageProvider struct {
	client *minio.Client
}

// S3Config holds connection settings for the object store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// NewS3StorageProvider connects to the object store.
func NewS3StorageProvider(cfg S3Config) (*S3StorageProvider, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3StorageProvider{client: client}, nil
}

// EnsureBucket creates the project's output bucket if missing and returns
// its address. Idempotent per project id.
func (s *S3StorageProvider) EnsureBucket(ctx context.Context, projectID string) (types.S3Source, error) {
	exists, err := s.client.BucketExists(ctx, projectID)
	if err != nil {
		return types.S3Source{}, fmt.Errorf("failed to check bucket %s: %w", projectID, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, projectID, minio.MakeBucketOptions{}); err != nil {
			// A concurrent create is fine; anything else is not.
			if recheck, recheckErr := s.client.BucketExists(ctx, projectID); recheckErr != nil || !recheck {
				return types.S3Source{}, fmt.Errorf("failed to create bucket %s: %w", projectID, err)
			}
		}
	}
	return types.S3Source{Bucket: projectID, Key: OutputPrefix}, nil
}

// Exists reports whether the object at src has been written.
func (s *S3StorageProvider) Exists(ctx context.Context, src types.S3Source) (bool, error) {
	_, err := s.client.StatObject(ctx, src.Bucket, src.Key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	return true, nil
}
