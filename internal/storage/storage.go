// Package storage publishes encoded tiles to blob storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ContentTypePNG is the content type of every published tile.
const ContentTypePNG = "image/png"

var (
	// ErrPublish wraps a final, post-retry publish failure.
	ErrPublish = errors.New("failed to publish tile")

	// ErrNotFound is returned by readers for a missing key.
	ErrNotFound = errors.New("object not found")
)

// Publisher stores objects by key. Publish must be idempotent: writing the
// same key twice overwrites.
type Publisher interface {
	Publish(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Reader reads back published objects.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the object key for a tile.
func Key(category string, zoom, x, y int) string {
	return fmt.Sprintf("%s_%d_%d_%d.png", category, zoom, x, y)
}

// Retrying retries failed publishes with linear backoff.
type Retrying struct {
	next     Publisher
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewRetrying wraps next. attempts < 1 is treated as 1.
func NewRetrying(next Publisher, attempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, attempts: attempts, backoff: backoff, log: logger}
}

// Publish implements Publisher.
func (r *Retrying) Publish(ctx context.Context, key string, data []byte, contentType string) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.next.Publish(ctx, key, data, contentType); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		r.log.Warn("publish failed, retrying", "key", key, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrPublish, key, ctx.Err())
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrPublish, key, r.attempts, err)
}

// Exists implements Publisher.
func (r *Retrying) Exists(ctx context.Context, key string) (bool, error) {
	return r.next.Exists(ctx, key)
}

// SkipExisting turns Publish into a no-op for keys already present.
type SkipExisting struct {
	next Publisher
	log  *slog.Logger
}

// NewSkipExisting wraps next.
func NewSkipExisting(next Publisher, logger *slog.Logger) *SkipExisting {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkipExisting{next: next, log: logger}
}

// Publish implements Publisher. A failed existence check falls through to a
// normal publish.
func (s *SkipExisting) Publish(ctx context.Context, key string, data []byte, contentType string) error {
	ok, err := s.next.Exists(ctx, key)
	if err != nil {
		s.log.Warn("existence check failed", "key", key, "error", err)
	}
	if ok {
		s.log.Debug("tile already published", "key", key)
		return nil
	}
	return s.next.Publish(ctx, key, data, contentType)
}

// Exists implements Publisher.
func (s *SkipExisting) Exists(ctx context.Context, key string) (bool, error) {
	return s.next.Exists(ctx, key)
}
