// Package objectstore holds manuscript blobs: uploaded PDFs, extracted
// markdown and images, split files and execution reports.
package objectstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

const (
	ContentTypeMarkdown = "text/markdown; charset=utf-8"
	ContentTypeHTML     = "text/html; charset=utf-8"
	ContentTypeJSON     = "application/json"
	ContentTypePDF      = "application/pdf"
)

type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Name returns the final path element of the key.
func (o Object) Name() string {
	return path.Base(o.Key)
}

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PutString(ctx context.Context, key, content, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ContentTypeFor guesses a content type from the key extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".md":
		return ContentTypeMarkdown
	case ".html", ".htm":
		return ContentTypeHTML
	case ".json":
		return ContentTypeJSON
	case ".pdf":
		return ContentTypePDF
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
