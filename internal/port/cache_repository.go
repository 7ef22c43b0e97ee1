package port

import "context"

type CacheRepository interface {
	// SetIdempotency marks a request key as pending, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// CompleteIdempotency records the result of a pending request
	CompleteIdempotency(ctx context.Context, key, result string) error

	// GetIdempotency returns the recorded result, or "" while the request is pending
	GetIdempotency(ctx context.Context, key string) (string, error)

	// ReleaseIdempotency drops the key so the request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
