package storageref

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "github.com/studysync/offlinecore/internal/errors"
)

// S3Config holds S3-compatible presigning configuration.
type S3Config struct {
	Endpoint       string // host or scheme://host
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)
	TTL            time.Duration
}

// S3Presigner produces AWS Signature V4 query-string presigned GET URLs.
type S3Presigner struct {
	config S3Config
	scheme string
	host   string
	now    func() time.Time
}

// NewS3Presigner creates a presigner. Endpoints without a scheme default to https.
func NewS3Presigner(config S3Config) (*S3Presigner, error) {
	if config.Endpoint == "" || config.AccessKey == "" || config.SecretKey == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "S3 endpoint and credentials are required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}

	endpoint := config.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil || u.Host == "" {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid S3 endpoint", err)
	}

	return &S3Presigner{
		config: config,
		scheme: u.Scheme,
		host:   u.Host,
		now:    time.Now,
	}, nil
}

// Resolve presigns a GET for ref with the configured TTL.
func (p *S3Presigner) Resolve(ctx context.Context, ref Ref) (string, error) {
	return p.Presign("GET", ref.Bucket, ref.Object, p.config.TTL)
}

// Presign builds a presigned URL for method on bucket/key valid for expires.
func (p *S3Presigner) Presign(method, bucket, key string, expires time.Duration) (string, error) {
	if bucket == "" || key == "" {
		return "", apperrors.New(apperrors.ErrStorageResolution, "bucket and key are required")
	}
	seconds := int64(expires / time.Second)
	if seconds < 1 || seconds > 604800 {
		return "", apperrors.New(apperrors.ErrStorageResolution, "presign expiry must be between 1s and 7 days")
	}

	var host, canonicalURI string
	if p.config.ForcePathStyle {
		// Path-style: endpoint/bucket/key
		host = p.host
		canonicalURI = "/" + uriEncode(bucket, false) + "/" + uriEncode(key, false)
	} else {
		// Virtual-host-style: bucket.endpoint/key
		host = bucket + "." + p.host
		canonicalURI = "/" + uriEncode(key, false)
	}

	timestamp := p.now().UTC()
	amzDate := timestamp.Format("20060102T150405Z")
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, p.config.Region)

	params := map[string]string{
		"X-Amz-Algorithm":     "AWS4-HMAC-SHA256",
		"X-Amz-Credential":    p.config.AccessKey + "/" + scope,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       fmt.Sprintf("%d", seconds),
		"X-Amz-SignedHeaders": "host",
	}
	canonicalQuery := canonicalQueryString(params)

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		canonicalQuery,
		"host:" + host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kSecret := []byte("AWS4" + p.config.SecretKey)
	kDate := hmacSHA256(kSecret, dateStamp)
	kRegion := hmacSHA256(kDate, p.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s://%s%s?%s&X-Amz-Signature=%s",
		p.scheme, host, canonicalURI, canonicalQuery, signature), nil
}

func canonicalQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, uriEncode(k, true)+"="+uriEncode(params[k], true))
	}
	return strings.Join(parts, "&")
}

// uriEncode applies SigV4 URI encoding: unreserved characters pass through,
// everything else is %XX. Slashes are kept unless encodeSlash is set.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}
