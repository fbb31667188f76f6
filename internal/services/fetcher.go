package services

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// Per-call deadline for the storage read, kept well inside the message
// redelivery window so a hung read cannot outlive the invocation and cause
// duplicate concurrent processing.
const fetchTimeout = 30 * time.Second

// Fetcher retrieves raw document text for one invocation. The bytes are
// owned by the current attempt and never cached across invocations.
type Fetcher struct {
	store    ObjectStore
	maxBytes int64
}

// NewFetcher creates a fetcher with the given object size ceiling
// (0 disables the ceiling).
func NewFetcher(store ObjectStore, maxBytes int64) *Fetcher {
	return &Fetcher{store: store, maxBytes: maxBytes}
}

// Fetch reads the notified object, pinned to generation when non-zero, and
// returns its UTF-8 text. Failures are classified onto the pipeline error
// taxonomy: ErrNotFound is retryable, ErrAccessDenied and ErrTooLarge are
// fatal.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string, generation int64) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	raw, err := f.store.Fetch(readCtx, bucket, key, generation, f.maxBytes)
	if err != nil {
		return "", ClassifyFetchError(err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: gs://%s/%s is not valid UTF-8 text", ErrInvalidInput, bucket, key)
	}
	return string(raw), nil
}
