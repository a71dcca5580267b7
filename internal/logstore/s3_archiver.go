package logstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/jameslbarnes/dshield/internal/canonical"
	"github.com/jameslbarnes/dshield/internal/logentry"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver mirrors signed log entries to cold object storage for downstream
// consumption; it is additive to, not a substitute for, the signature-based
// integrity guarantee the Log Store itself provides.
type Archiver interface {
	ArchiveEntry(ctx context.Context, functionID string, e logentry.Signed) (objectKey string, err error)
}

// S3Archiver writes signed entries to S3 paths like:
//
//	s3://<bucket>/<prefix>/log/YYYY/MM/DD/<functionId>-<sequence>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region/credentials are picked up from
// the standard AWS environment variables by the SDK's default config loader.
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("logstore: s3 bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("logstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archiver) objectKey(functionID string, e logentry.Signed) string {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(a.prefix, "log",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s-%d.json", functionID, e.Sequence),
	)
}

// ArchiveEntry implements Archiver, uploading the canonical envelope (the
// signed entry plus its signature) with SSE-S3 server-side encryption.
func (a *S3Archiver) ArchiveEntry(ctx context.Context, functionID string, e logentry.Signed) (string, error) {
	canonBytes, err := canonical.MarshalCanonical(e)
	if err != nil {
		return "", fmt.Errorf("logstore: canonicalize envelope: %w", err)
	}

	objectKey := a.objectKey(functionID, e)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("logstore: s3 upload failed: %w", err)
	}
	return objectKey, nil
}
