package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver uploads decision event JSON to object storage.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev *DecisionEvent) (string, error)
}

// S3Archiver writes decision events to S3 paths like:
//
//	s3://<bucket>/<prefix>/decisions/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment via the SDK's default chain.
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEvent uploads one event and returns the object key, so callers can
// persist the S3 pointer next to the event row.
func (s *S3Archiver) ArchiveEvent(ctx context.Context, ev *DecisionEvent) (string, error) {
	if ev == nil {
		return "", fmt.Errorf("nil event")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	ts := time.Now().UTC()
	if !ev.Ts.IsZero() {
		ts = ev.Ts
	}
	year, month, day := ts.Date()
	objectKey := path.Join(s.prefix, "decisions",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", ev.ID),
	)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return objectKey, nil
}
