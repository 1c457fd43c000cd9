// Package blobstore is the durable object store behind the bronze and silver
// layers. It supports put, get and list only; overwrite is the only update.
package blobstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blobstore: not found")

// Store persists opaque blobs by slash-separated key.
type Store interface {
	// Put writes data at key atomically, replacing any existing blob.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the blob at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Join builds a key from parts, trimming stray slashes.
func Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
