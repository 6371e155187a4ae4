// Package encrypted seals object bodies with kryptograf envelope encryption
// before they reach a storage backend.
//
// Every object gets a fresh data key. Its descriptor is stored in a short
// header ahead of the ciphertext, and the object location (account,
// container, key) is the key derivation context, so a body copied to another
// key fails to decrypt.
package encrypted

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/objq/internal/storage"
)

const (
	magic           = "OBJQENC1"
	streamChunkSize = 8 * 1024
	maxDescriptor   = 1 << 12
)

// ErrCorrupt reports a sealed object whose header cannot be decoded.
var ErrCorrupt = errors.New("encrypted: corrupt object header")

// Config selects the key material.
type Config struct {
	RootKey keymgmt.RootKey
	// Snappy compresses bodies before sealing them.
	Snappy bool
}

// Crypto mints and reconstructs per-object data keys.
type Crypto struct {
	kg kryptograf.Kryptograf
}

// New returns a Crypto for cfg.
func New(cfg Config) (*Crypto, error) {
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("encrypted: root key required")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(streamChunkSize)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Crypto{kg: kg}, nil
}

func objectContext(ref storage.ContainerRef, key string) []byte {
	return []byte("objq-object:" + ref.String() + "/" + key)
}

// Seal encrypts plaintext for ref/key and returns the stored form.
func (c *Crypto) Seal(ref storage.ContainerRef, key string, plaintext []byte) ([]byte, error) {
	mat, err := c.kg.MintDEK(objectContext(ref, key))
	if err != nil {
		return nil, fmt.Errorf("encrypted: mint key for %s: %w", key, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encrypted: marshal descriptor for %s: %w", key, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + len(desc) + len(plaintext) + 256)
	buf.WriteString(magic)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(desc)))
	buf.Write(size[:])
	buf.Write(desc)
	writer, err := c.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("encrypted: encrypt %s: %w", key, err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		writer.Close()
		return nil, fmt.Errorf("encrypted: encrypt %s write: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("encrypted: encrypt %s close: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Open returns a reader yielding the plaintext of a stored body. Bodies
// without the sealed header are returned unchanged, which lets a store
// written before encryption was enabled stay readable.
func (c *Crypto) Open(ref storage.ContainerRef, key string, stored io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(stored, streamChunkSize)
	head, err := br.Peek(len(magic))
	if err != nil || string(head) != magic {
		if err != nil && !errors.Is(err, io.EOF) {
			stored.Close()
			return nil, fmt.Errorf("encrypted: read %s: %w", key, err)
		}
		return readCloser{Reader: br, close: stored.Close}, nil
	}
	if _, err := br.Discard(len(magic)); err != nil {
		stored.Close()
		return nil, err
	}
	var size [2]byte
	if _, err := io.ReadFull(br, size[:]); err != nil {
		stored.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	n := int(binary.BigEndian.Uint16(size[:]))
	if n == 0 || n > maxDescriptor {
		stored.Close()
		return nil, fmt.Errorf("%w: %s descriptor length %d", ErrCorrupt, key, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(br, raw); err != nil {
		stored.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(raw); err != nil {
		stored.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	mat, err := c.kg.ReconstructDEK(objectContext(ref, key), desc)
	if err != nil {
		stored.Close()
		return nil, fmt.Errorf("encrypted: reconstruct key for %s: %w", key, err)
	}
	reader, err := c.kg.DecryptReader(br, mat)
	if err != nil {
		mat.Zero()
		stored.Close()
		return nil, fmt.Errorf("encrypted: decrypt %s: %w", key, err)
	}
	return readCloser{Reader: reader, close: func() error {
		err := reader.Close()
		mat.Zero()
		if cerr := stored.Close(); err == nil {
			err = cerr
		}
		return err
	}}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

type backend struct {
	inner  storage.Backend
	crypto *Crypto
}

// Wrap seals bodies written through the returned backend and opens bodies
// read from it. Sizes reported by HeadObject and listings are those of the
// stored form. A nil crypto returns inner unchanged.
func Wrap(inner storage.Backend, crypto *Crypto) storage.Backend {
	if crypto == nil {
		return inner
	}
	return &backend{inner: inner, crypto: crypto}
}

func (b *backend) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	return b.inner.EnsureContainer(ctx, ref)
}

func (b *backend) ListContainers(ctx context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	return b.inner.ListContainers(ctx, account, opts)
}

func (b *backend) ListObjects(ctx context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	return b.inner.ListObjects(ctx, ref, opts)
}

func (b *backend) HeadObject(ctx context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	return b.inner.HeadObject(ctx, ref, key)
}

func (b *backend) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	res, err := b.inner.GetObject(ctx, ref, key)
	if err != nil {
		return res, err
	}
	reader, err := b.crypto.Open(ref, key, res.Reader)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	res.Reader = reader
	return res, nil
}

func (b *backend) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var plaintext []byte
	if body != nil {
		var err error
		if plaintext, err = io.ReadAll(body); err != nil {
			return nil, fmt.Errorf("encrypted: read body for %s: %w", key, err)
		}
	}
	sealed, err := b.crypto.Seal(ref, key, plaintext)
	if err != nil {
		return nil, err
	}
	return b.inner.PutObject(ctx, ref, key, bytes.NewReader(sealed), opts)
}

func (b *backend) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	return b.inner.DeleteObject(ctx, ref, key, opts)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeContainer(ref storage.ContainerRef) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeContainer(ref)
	}
	return nil, storage.ErrNotImplemented
}
