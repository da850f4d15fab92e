package storageref

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	apperrors "github.com/studysync/offlinecore/internal/errors"
)

// GCSConfig configures the Google Cloud Storage resolver.
type GCSConfig struct {
	// CredentialsFile is a service account key file or inline JSON.
	CredentialsFile string

	// EmulatorHost switches to unsigned media URLs on a fake-gcs server.
	EmulatorHost string

	// SignerEmail and PrivateKey sign URLs locally without calling IAM.
	SignerEmail string
	PrivateKey  []byte

	// TTL is the validity of each signed URL.
	TTL time.Duration
}

// GCSResolver produces V4 signed GET URLs for GCS objects.
type GCSResolver struct {
	client       *storage.Client
	emulatorHost string
	signerEmail  string
	privateKey   []byte
	ttl          time.Duration
	now          func() time.Time
}

// NewGCSResolver creates a resolver. In emulator mode no client is created.
func NewGCSResolver(ctx context.Context, cfg GCSConfig) (*GCSResolver, error) {
	r := &GCSResolver{
		emulatorHost: strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"),
		signerEmail:  cfg.SignerEmail,
		privateKey:   cfg.PrivateKey,
		ttl:          cfg.TTL,
		now:          time.Now,
	}
	if r.ttl <= 0 {
		r.ttl = 15 * time.Minute
	}
	if r.emulatorHost != "" {
		return r, nil
	}

	var opts []option.ClientOption
	switch creds := strings.TrimSpace(cfg.CredentialsFile); {
	case r.signerEmail != "" && len(r.privateKey) > 0:
		opts = append(opts, option.WithoutAuthentication())
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	case creds != "":
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to create GCS client", err)
	}
	r.client = client
	return r, nil
}

// Resolve returns a signed URL for ref, or an emulator media URL.
func (r *GCSResolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	if r.emulatorHost != "" {
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
			r.emulatorHost, url.PathEscape(ref.Bucket), url.PathEscape(ref.Object)), nil
	}

	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: r.now().Add(r.ttl),
	}
	if r.signerEmail != "" && len(r.privateKey) > 0 {
		opts.GoogleAccessID = r.signerEmail
		opts.PrivateKey = r.privateKey
	}

	signed, err := r.client.Bucket(ref.Bucket).SignedURL(ref.Object, opts)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageResolution, "failed to sign GCS URL", err)
	}
	return signed, nil
}

// Close releases the GCS client.
func (r *GCSResolver) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
