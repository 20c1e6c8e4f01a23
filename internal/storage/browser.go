// Package storage wraps the object-store collaborator: listing bucket
// contents and minting presigned GET URLs. The bucket handle and limits are
// passed in explicitly at construction; there is no package-level client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gocloud.dev/blob"
)

const (
	defaultMaxList       = 1000
	defaultPresignExpiry = 15 * time.Minute
)

var ErrEmptyKey = errors.New("empty object key")

// Object is one listed entry of the bucket.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Options bounds listing size and presigned-URL lifetime.
type Options struct {
	MaxList       int
	PresignExpiry time.Duration
}

// Browser reads a single bucket. The underlying services are assumed
// correct; this layer only shapes their results.
type Browser struct {
	bucket        *blob.Bucket
	maxList       int
	presignExpiry time.Duration
}

// OpenBucket opens the bucket behind a gocloud URL such as
// "s3://my-bucket?region=eu-west-1". The driver must be imported by the
// caller's main package.
func OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return bucket, nil
}

// NewBrowser wraps an open bucket.
func NewBrowser(bucket *blob.Bucket, opts Options) *Browser {
	if opts.MaxList <= 0 {
		opts.MaxList = defaultMaxList
	}
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = defaultPresignExpiry
	}
	return &Browser{
		bucket:        bucket,
		maxList:       opts.MaxList,
		presignExpiry: opts.PresignExpiry,
	}
}

// List returns up to MaxList objects under the prefix, in the bucket's
// native (lexical) order. Directory placeholders are skipped.
func (b *Browser) List(ctx context.Context, prefix string) ([]Object, error) {
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	objects := make([]Object, 0)
	for len(objects) < b.maxList {
		entry, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		// gocloud only reports IsDir under a delimiter; placeholder keys
		// with a trailing slash must be skipped explicitly
		if entry.IsDir || strings.HasSuffix(entry.Key, "/") {
			continue
		}
		objects = append(objects, Object{
			Key:          entry.Key,
			Size:         entry.Size,
			LastModified: entry.ModTime,
		})
	}
	return objects, nil
}

// PresignGet mints a time-limited GET URL for one object.
func (b *Browser) PresignGet(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	signed, err := b.bucket.SignedURL(ctx, key, &blob.SignedURLOptions{
		Method: http.MethodGet,
		Expiry: b.presignExpiry,
	})
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", key, err)
	}
	return signed, nil
}
