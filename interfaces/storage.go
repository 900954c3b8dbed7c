package interfaces

import "context"

// BlobStorage is the external blob store contract. Only get/put/delete
// matters here; the implementation is out of scope.
type BlobStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
