package storage

import "context"

// ObjectStore is the object-storage surface the archive job writes to.
type ObjectStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) (string, error)
}
