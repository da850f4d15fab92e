package storageref

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/studysync/offlinecore/internal/errors"
)

// Default AWS S3 endpoints by region.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSEndpointForRegion returns the S3 endpoint for a region, falling back to the
// global endpoint for unknown regions.
func AWSEndpointForRegion(region string) string {
	if endpoint, ok := awsEndpoints[region]; ok {
		return endpoint
	}
	return "s3.amazonaws.com"
}

// NewAWSPresigner creates a presigner for AWS S3 using virtual-host style URLs.
func NewAWSPresigner(region, accessKey, secretKey string, ttl time.Duration) (*S3Presigner, error) {
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Presigner(S3Config{
		Endpoint:  AWSEndpointForRegion(region),
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    region,
		TTL:       ttl,
	})
}

// NewMinIOPresigner creates a presigner for MinIO. MinIO requires path-style URLs.
func NewMinIOPresigner(endpoint string, useSSL bool, accessKey, secretKey string, ttl time.Duration) (*S3Presigner, error) {
	if endpoint == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "MinIO endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return NewS3Presigner(S3Config{
		Endpoint:       strings.TrimSuffix(endpoint, "/"),
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		Region:         "us-east-1", // MinIO doesn't use regions, default required
		ForcePathStyle: true,
		TTL:            ttl,
	})
}

// NewR2Presigner creates a presigner for Cloudflare R2.
// The R2 endpoint format is <accountid>.r2.cloudflarestorage.com.
func NewR2Presigner(accountID, accessKey, secretKey string, ttl time.Duration) (*S3Presigner, error) {
	if accountID == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "R2 account ID is required")
	}
	return NewS3Presigner(S3Config{
		Endpoint:  fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID),
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    "auto", // R2 doesn't use regions like AWS
		TTL:       ttl,
	})
}

// Options selects which backend New builds.
type Options struct {
	Provider string // none, gcs or s3
	GCS      GCSConfig
	S3       S3Config
}

// New builds the resolver for opts.Provider. The returned closer releases any
// client; it is never nil. Provider "none" yields a nil Resolver.
func New(ctx context.Context, opts Options) (Resolver, func() error, error) {
	noop := func() error { return nil }
	switch opts.Provider {
	case "", "none":
		return nil, noop, nil
	case "gcs":
		r, err := NewGCSResolver(ctx, opts.GCS)
		if err != nil {
			return nil, noop, err
		}
		return r, r.Close, nil
	case "s3":
		r, err := NewS3Presigner(opts.S3)
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil
	default:
		return nil, noop, apperrors.New(apperrors.ErrConfig, "unknown storage provider: "+opts.Provider)
	}
}
