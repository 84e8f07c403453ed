package domain

import "context"

// BlobReader fetches objects (model artifacts, archived snapshots) from
// object storage.
type BlobReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// BlobWriter stores objects in object storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}
