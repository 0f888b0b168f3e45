// Package s3 implements the cold store on Amazon S3 or S3-compatible storage.
//
// Each document's snapshot is one JSON object at <keyPrefix><documentID>.
// Saves are plain PutObject calls, so last-write-wins semantics come directly
// from S3. Snapshots are small single objects; multipart upload is not used.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/mimic/pkg/store/cold"
)

// Config contains configuration for the S3 cold store.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	// Example: "mimic/snapshots/" results in keys like "mimic/snapshots/doc-1".
	KeyPrefix string

	// Region is the AWS region. Empty falls back to the SDK's default chain.
	Region string

	// Endpoint overrides the S3 endpoint, for MinIO and other compatible
	// object stores.
	Endpoint string

	// ForcePathStyle addresses buckets by path instead of virtual host.
	// Required by most S3-compatible stores.
	ForcePathStyle bool

	// AccessKeyID and SecretAccessKey provide static credentials. Empty
	// falls back to the SDK's default credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// Store is an S3-backed cold store.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// New creates an S3 cold store with an existing client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewFromConfig creates an S3 cold store, building the client from config.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func (s *Store) key(documentID string) string {
	return s.keyPrefix + documentID
}

// Load returns the stored snapshot, or (nil, nil) when absent.
func (s *Store) Load(ctx context.Context, documentID string) (*cold.Snapshot, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(documentID)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, &cold.StoreError{DocumentID: documentID, Op: "load", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cold.StoreError{DocumentID: documentID, Op: "load", Err: err}
	}

	var snap cold.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &cold.StoreError{DocumentID: documentID, Op: "load",
			Err: fmt.Errorf("failed to decode snapshot object: %w", err)}
	}
	return &snap, nil
}

// Save persists the snapshot, replacing any previous one.
func (s *Store) Save(ctx context.Context, documentID string, snapshot *cold.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "save", Err: err}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(documentID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return &cold.StoreError{DocumentID: documentID, Op: "save", Err: err}
	}
	return nil
}

// Delete removes the document's snapshot.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(documentID)),
	})
	if err != nil && !isNotFoundError(err) {
		return &cold.StoreError{DocumentID: documentID, Op: "delete", Err: err}
	}
	return nil
}

// Close is a no-op; the S3 client holds no resources that need closing.
func (s *Store) Close() error {
	return nil
}

// isNotFoundError reports whether the error is an S3 missing-object error.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "404")
}
