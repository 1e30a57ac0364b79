package aws

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options configures the S3 client
type Options struct {
	Region string
	Bucket string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path style
	// addressing is used whenever it is set.
	Endpoint string
	// Static credentials; the default credential chain is used when empty
	AccessKeyID     string
	SecretAccessKey string
}

// Client is the AWS provider client, scoped to one S3 bucket
type Client struct {
	s3     *s3.Client
	bucket string
}

// NewClient creates a new AWS client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		if opts.AccessKeyID != "" {
			creds := aws.Credentials{
				AccessKeyID:     opts.AccessKeyID,
				SecretAccessKey: opts.SecretAccessKey,
				Source:          "sbom-orchestrator",
			}
			o.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return creds, nil
			})
		}
	})

	return &Client{s3: client, bucket: opts.Bucket}, nil
}

// Bucket returns the bucket objects are written to
func (c *Client) Bucket() string { return c.bucket }

// PutObject stores body under key
func (c *Client) PutObject(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", c.bucket, key, err)
	}
	return nil
}
