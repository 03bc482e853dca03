package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.mentatlab.svc:9000")
	// Leave empty for AWS S3
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to every archive key
	PathPrefix string
}

// S3Archiver stores workflow logs as NDJSON objects in S3 or MinIO.
type S3Archiver struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// NewS3Archiver creates an archiver for the configured bucket.
func NewS3Archiver(cfg *S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Archiver{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: strings.Trim(cfg.PathPrefix, "/"),
	}, nil
}

// Archive uploads the log to <prefix>/<workflow_id>.ndjson.
func (a *S3Archiver) Archive(ctx context.Context, workflowID string, events []*types.Event) (*Ref, error) {
	data, err := Encode(events)
	if err != nil {
		return nil, err
	}
	key := Key(a.pathPrefix, workflowID)
	sum := checksum(data)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"workflow-id": workflowID,
			"sha256":      sum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &Ref{
		WorkflowID: workflowID,
		URI:        fmt.Sprintf("s3://%s/%s", a.bucket, key),
		Events:     len(events),
		Size:       int64(len(data)),
		Checksum:   sum,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Load downloads and decodes an archived log.
func (a *S3Archiver) Load(ctx context.Context, workflowID string) ([]*types.Event, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(Key(a.pathPrefix, workflowID)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotArchived, workflowID)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer result.Body.Close()
	return Decode(result.Body)
}

// List returns the ids of archived workflows.
func (a *S3Archiver) List(ctx context.Context) ([]string, error) {
	prefix := ""
	if a.pathPrefix != "" {
		prefix = a.pathPrefix + "/"
	}

	var ids []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if id, ok := strings.CutSuffix(name, ".ndjson"); ok && !strings.Contains(id, "/") {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PresignGet returns a time-limited download URL for an archived log.
func (a *S3Archiver) PresignGet(ctx context.Context, workflowID string, expiry time.Duration) (string, error) {
	result, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(Key(a.pathPrefix, workflowID)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return result.URL, nil
}

var _ Archiver = (*S3Archiver)(nil)
