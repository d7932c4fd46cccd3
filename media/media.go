package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotDataURL    = errors.New("not a data url")
	ErrTooLarge      = errors.New("image exceeds size limit")
	ErrNotImage      = errors.New("not an image")
	ErrNotConfigured = errors.New("object storage is not configured")
)

// Uploader stores a payload and returns a stable URL for it.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// NopUploader rejects every upload, used when no object storage is configured.
type NopUploader struct{}

func (NopUploader) Upload(context.Context, string, string, []byte) (string, error) {
	return "", ErrNotConfigured
}

// IsDataURL reports whether s looks like `data:<mime>;base64,<payload>`.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// DecodeDataURL decodes a base64 image data url, limited to maxBytes decoded bytes.
func DecodeDataURL(s string, maxBytes int) (contentType string, data []byte, err error) {
	if !IsDataURL(s) {
		return "", nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, ErrNotDataURL
	}

	contentType = strings.TrimSuffix(meta, ";base64")
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, ErrNotImage
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return "", nil, ErrTooLarge
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode base64: %w", err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return "", nil, ErrTooLarge
	}
	return contentType, data, nil
}

// Extension maps an image content type to a file extension for object keys.
func Extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ""
}
