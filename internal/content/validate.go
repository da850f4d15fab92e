package content

import (
	"net/url"
	"path/filepath"
	"strings"

	apperrors "github.com/studysync/offlinecore/internal/errors"
	"github.com/studysync/offlinecore/internal/storageref"
)

// source is a validated blob location.
type source struct {
	key       string          // canonical cache key
	httpsURL  string          // set for https sources
	ref       *storageref.Ref // set for storage sources
	localPath string          // set for file sources
}

// validator enforces the scheme and host rules for blob URLs.
type validator struct {
	allowedHosts []string
	localRoots   []string
}

func newValidator(allowedHosts, localRoots []string) *validator {
	v := &validator{}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			v.allowedHosts = append(v.allowedHosts, h)
		}
	}
	for _, root := range localRoots {
		if abs, err := filepath.Abs(root); err == nil {
			v.localRoots = append(v.localRoots, abs)
		}
	}
	return v
}

// check parses raw and applies the trust rules.
func (v *validator) check(raw string) (*source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.New(apperrors.ErrInvalidURL, "empty url")
	}

	if storageref.IsRef(raw) {
		ref, err := storageref.Parse(raw)
		if err != nil {
			return nil, err
		}
		return &source{key: ref.String(), ref: &ref}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidURL, "malformed url", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		host := strings.ToLower(u.Hostname())
		if host == "" {
			return nil, apperrors.New(apperrors.ErrInvalidURL, "url has no host")
		}
		if !v.hostAllowed(host) {
			return nil, apperrors.New(apperrors.ErrUntrustedDomain, "host not allowed: "+host)
		}
		u.Fragment = ""
		return &source{key: u.String(), httpsURL: u.String()}, nil

	case "file":
		if u.Path == "" {
			return nil, apperrors.New(apperrors.ErrInvalidURL, "file url has no path")
		}
		path := filepath.Clean(filepath.FromSlash(u.Path))
		if !v.pathAllowed(path) {
			return nil, apperrors.New(apperrors.ErrUntrustedDomain, "file outside allowed roots")
		}
		return &source{key: "file://" + filepath.ToSlash(path), localPath: path}, nil

	default:
		return nil, apperrors.New(apperrors.ErrInvalidURL, "unsupported scheme: "+u.Scheme)
	}
}

// hostAllowed matches exactly or as a subdomain. An empty allow-list denies all.
func (v *validator) hostAllowed(host string) bool {
	for _, allowed := range v.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (v *validator) pathAllowed(path string) bool {
	for _, root := range v.localRoots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
