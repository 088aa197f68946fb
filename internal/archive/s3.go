package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client is the subset of the S3 API the exporter uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter writes bundles to an S3 bucket under an optional key prefix.
type S3Exporter struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Exporter builds an exporter over an existing client.
func NewS3Exporter(client S3Client, bucket, prefix string) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3Exporter loads AWS configuration from the environment and targets
// the given bucket.
func OpenS3Exporter(ctx context.Context, bucket, prefix string) (*S3Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Exporter(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// Export implements Exporter.
func (e *S3Exporter) Export(ctx context.Context, b *Bundle) (string, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}

	key := path.Join(e.prefix, b.Conversation.ID+".json")
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", e.bucket, key, err)
	}
	return "s3://" + e.bucket + "/" + key, nil
}
