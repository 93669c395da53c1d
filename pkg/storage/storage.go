// Package storage reads and writes state files through a pluggable backend.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when nothing is stored at a path.
var ErrNotFound = errors.New("not found")

// Storage is a flat key-value store of documents addressed by slash
// separated paths.
type Storage interface {
	// Read returns the document at path, or an error wrapping ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadOpt returns the document at path, or false if there is none.
	ReadOpt(ctx context.Context, path string) ([]byte, bool, error)

	// Write stores a document, replacing any existing one.
	Write(ctx context.Context, path string, data []byte) error

	// Exists reports whether a document is stored at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Remove deletes a document. Removing a missing document is not an error.
	Remove(ctx context.Context, path string) error
}

// readFromOpt implements Read in terms of ReadOpt.
func readFromOpt(ctx context.Context, s Storage, path string) ([]byte, error) {
	data, ok, err := s.ReadOpt(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	return data, nil
}

// NotFoundError names the missing path and matches ErrNotFound.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "document not found: " + e.Path
}

// Is implements errors.Is.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
