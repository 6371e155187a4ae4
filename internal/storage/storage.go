package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for payloads and markers across backends.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// ErrNotFound indicates the requested object or container is missing.
var (
	ErrNotFound          = errors.New("storage: not found")
	ErrContainerNotFound = errors.New("storage: container not found")
	ErrConflict          = errors.New("storage: conflict")
	ErrNotImplemented    = errors.New("storage: not implemented")
)

// ContainerRef names a container within an account.
type ContainerRef struct {
	Account   string
	Container string
}

// String renders ref as "<account>/<container>".
func (r ContainerRef) String() string {
	return r.Account + "/" + r.Container
}

// Validate reports whether ref can address a container on any backend.
func (r ContainerRef) Validate() error {
	if _, err := validateSegment("account", r.Account); err != nil {
		return err
	}
	if _, err := validateSegment("container", r.Container); err != nil {
		return err
	}
	return nil
}

// ObjectInfo captures metadata exposed by object-oriented backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	// ExpectedETag enables CAS semantics. When empty, no CAS is enforced.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics when true. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects and ListContainers traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a listing call. For ListContainers the
// Key of each entry is the container name.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend defines the object-store contract consumed by the queue.
//
// Every call is independently atomic at the single-key level. Listings are
// ordered lexically by key and may be eventually consistent.
type Backend interface {
	// EnsureContainer creates the container when missing. Existing containers
	// are left untouched.
	EnsureContainer(ctx context.Context, ref ContainerRef) error
	// ListContainers enumerates container names within account in ascending
	// lexical order.
	ListContainers(ctx context.Context, account string, opts ListOptions) (*ListResult, error)

	// ListObjects enumerates objects under the supplied prefix in ascending
	// lexical order within the container. Results are limited by opts.Limit
	// when >0 and resume from opts.StartAfter when provided.
	ListObjects(ctx context.Context, ref ContainerRef, opts ListOptions) (*ListResult, error)
	// HeadObject returns metadata for key without the body.
	HeadObject(ctx context.Context, ref ContainerRef, key string) (*ObjectInfo, error)
	// GetObject fetches the raw bytes for key and returns a reader alongside
	// metadata. Callers must close the returned reader.
	GetObject(ctx context.Context, ref ContainerRef, key string) (GetObjectResult, error)
	// PutObject writes a blob to the provided key, applying conditional
	// semantics when opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, ref ContainerRef, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object identified by key, optionally enforcing a
	// matching ETag when opts.ExpectedETag is set.
	DeleteObject(ctx context.Context, ref ContainerRef, key string, opts DeleteObjectOptions) error

	// Close releases backend resources.
	Close() error
}

// ChangeSubscription receives notifications when objects in a container change.
type ChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed indicates the backend can emit change notifications per container.
type ChangeFeed interface {
	SubscribeContainer(ref ContainerRef) (ChangeSubscription, error)
}

// ListAll pages through ListObjects until the listing is exhausted and
// returns every entry. Intended for small prefixes such as a single message.
func ListAll(ctx context.Context, backend Backend, ref ContainerRef, opts ListOptions) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := backend.ListObjects(ctx, ref, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated || len(page.Objects) == 0 {
			return out, nil
		}
		next := page.NextStartAfter
		if next == "" {
			next = page.Objects[len(page.Objects)-1].Key
		}
		opts.StartAfter = next
	}
}
