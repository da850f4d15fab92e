// Package storageref resolves storage://bucket/path references into short-lived
// download URLs for Google Cloud Storage and S3-compatible object stores.
package storageref

import (
	"context"
	"strings"

	apperrors "github.com/studysync/offlinecore/internal/errors"
)

// Scheme is the URL scheme of a storage reference.
const Scheme = "storage"

const prefix = Scheme + "://"

// Ref is a parsed storage://bucket/object reference.
type Ref struct {
	Bucket string
	Object string
}

// String returns the canonical storage:// form.
func (r Ref) String() string {
	return prefix + r.Bucket + "/" + r.Object
}

// IsRef reports whether raw uses the storage scheme.
func IsRef(raw string) bool {
	return strings.HasPrefix(raw, prefix)
}

// Parse parses storage://bucket/object. Both parts must be non-empty.
func Parse(raw string) (Ref, error) {
	if !IsRef(raw) {
		return Ref{}, apperrors.New(apperrors.ErrInvalidURL, "not a storage reference")
	}
	rest := strings.TrimPrefix(raw, prefix)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.Trim(object, "/") == "" {
		return Ref{}, apperrors.New(apperrors.ErrInvalidURL, "storage reference requires bucket and object")
	}
	return Ref{Bucket: bucket, Object: strings.TrimLeft(object, "/")}, nil
}

// Resolver turns a storage reference into a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, ref Ref) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref Ref) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref Ref) (string, error) {
	return f(ctx, ref)
}
