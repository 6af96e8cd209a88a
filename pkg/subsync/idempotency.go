package subsync

import "github.com/oklog/ulid/v2"

// NewIdempotencyKey returns a fresh token: a millisecond timestamp followed by a
// random suffix. A new key is generated for every create attempt.
func NewIdempotencyKey() string {
	return ulid.Make().String()
}
