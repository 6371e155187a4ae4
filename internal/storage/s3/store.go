// Package s3 implements storage.Backend on S3-compatible object storage via
// minio-go. Accounts and containers share one bucket using storage.FlatLayout.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	// BufferBudget caps the bytes held in memory to size bodies of unknown
	// length before upload. Zero disables buffering.
	BufferBudget int64
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	layout storage.FlatLayout
	buffer *storage.UploadBuffer
}

const defaultBufferBudget = 64 << 20

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = storage.HTTPTransport(false)
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	if cfg.BufferBudget == 0 {
		cfg.BufferBudget = defaultBufferBudget
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{
		client: client,
		cfg:    cfg,
		layout: storage.NewFlatLayout(cfg.Prefix),
		buffer: storage.NewUploadBuffer(cfg.BufferBudget),
	}, nil
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.client
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	return ok, wrapError(err, "s3: bucket exists")
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) loggers(ctx context.Context) (logger, verbose pslog.Logger) {
	logger = storage.BackendLogger(ctx, "s3")
	return logger, logger
}

// EnsureContainer writes the container marker. An existing marker is fine.
func (s *Store) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	logger, verbose := s.loggers(ctx)
	marker, err := s.layout.ContainerMarker(ref)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: storage.ContentTypeOctetStream}
	opts.SetMatchETagExcept("*")
	s.applySSE(&opts)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, marker, bytes.NewReader(nil), 0, opts)
	if err != nil && !isPreconditionFailed(err) {
		logger.Debug("s3.ensure_container.error", "container", ref.String(), "object", marker, "error", err)
		return wrapError(err, "s3: ensure container")
	}
	verbose.Trace("s3.ensure_container.success", "container", ref.String())
	return nil
}

func (s *Store) containerExists(ctx context.Context, ref storage.ContainerRef) error {
	marker, err := s.layout.ContainerMarker(ref)
	if err != nil {
		return err
	}
	switch _, err := s.stat(ctx, marker); {
	case isNotFound(err):
		return storage.ErrContainerNotFound
	case err != nil:
		return wrapError(err, "s3: stat container")
	}
	return nil
}

func (s *Store) stat(ctx context.Context, object string) (minio.ObjectInfo, error) {
	return s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
}

// objectInfo renames a minio listing or stat entry to key.
func objectInfo(key string, o minio.ObjectInfo) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(o.ETag),
		Size:         o.Size,
		LastModified: o.LastModified.UTC(),
		ContentType:  o.ContentType,
	}
}

// ListContainers lists container markers of account.
func (s *Store) ListContainers(ctx context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	flat, trim, err := s.layout.ContainerListing(account, opts)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, "list_containers", flat, trim)
}

// ListObjects lists keys within ref. An empty page triggers a marker check so
// a missing container reports storage.ErrContainerNotFound.
func (s *Store) ListObjects(ctx context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	flat, trim, err := s.layout.ObjectListing(ref, opts)
	if err != nil {
		return nil, err
	}
	res, err := s.list(ctx, "list_objects", flat, trim)
	if err != nil {
		return nil, err
	}
	if len(res.Objects) == 0 {
		if err := s.containerExists(ctx, ref); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Store) list(ctx context.Context, op string, opts storage.ListOptions, trim string) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("s3."+op+".begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	listOpts := minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		StartAfter: opts.StartAfter,
		Recursive:  true,
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			logger.Debug("s3."+op+".error", "prefix", opts.Prefix, "error", object.Err)
			return nil, wrapError(object.Err, "s3: "+strings.ReplaceAll(op, "_", " "))
		}
		key, ok := strings.CutPrefix(object.Key, trim)
		if !ok || key == "" {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[opts.Limit-1].Key
			break
		}
		result.Objects = append(result.Objects, objectInfo(key, object))
	}
	verbose.Debug("s3."+op+".success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// HeadObject returns metadata for key.
func (s *Store) HeadObject(ctx context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	logger, _ := s.loggers(ctx)
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return nil, err
	}
	stat, err := s.stat(ctx, object)
	switch {
	case isNotFound(err):
		return nil, storage.ErrNotFound
	case err != nil:
		logger.Debug("s3.head_object.error", "object", object, "error", err)
		return nil, wrapError(err, "s3: stat object")
	}
	info := objectInfo(key, stat)
	return &info, nil
}

// GetObject downloads the payload for key.
func (s *Store) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	verbose.Trace("s3.get_object.begin", "container", ref.String(), "key", key, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			verbose.Debug("s3.get_object.not_found", "object", object)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: stat object")
	}
	info := objectInfo(key, stat)
	verbose.Debug("s3.get_object.success", "object", object, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: lazyObject{obj}, Info: &info}, nil
}

// PutObject uploads key with conditional guards. IfNotExists maps onto
// If-None-Match: * and ExpectedETag onto If-Match.
func (s *Store) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return nil, err
	}
	verbose.Trace("s3.put_object.begin",
		"container", ref.String(),
		"key", key,
		"object", object,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
	)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	s.applySSE(&putOpts)
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	sized, err := s.buffer.Size(body)
	if err != nil {
		logger.Debug("s3.put_object.buffer_error", "object", object, "error", err)
		return nil, err
	}
	defer sized.Release()
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, sized.Reader, sized.Length, putOpts)
	if err != nil {
		if mapped := classifyPutError(err, opts.ExpectedETag != ""); mapped != nil {
			verbose.Debug("s3.put_object.condition_failed", "object", object, "error", mapped)
			return nil, mapped
		}
		logger.Debug("s3.put_object.put_error", "object", object, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	uploaded := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  putOpts.ContentType,
	}
	if uploaded.LastModified.IsZero() {
		uploaded.LastModified = time.Now().UTC()
	}
	verbose.Debug("s3.put_object.success", "object", object, "etag", uploaded.ETag, "size", uploaded.Size)
	return uploaded, nil
}

// DeleteObject removes key. ExpectedETag is checked with a preceding stat.
func (s *Store) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	logger, verbose := s.loggers(ctx)
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return err
	}
	verbose.Trace("s3.delete_object.begin", "object", object, "expected_etag", opts.ExpectedETag)
	stat, err := s.stat(ctx, object)
	switch {
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	case err != nil:
		return wrapError(err, "s3: stat object")
	}
	if current := stripETag(stat.ETag); opts.ExpectedETag != "" && current != opts.ExpectedETag {
		logger.Debug("s3.delete_object.cas_mismatch", "object", object, "expected_etag", opts.ExpectedETag, "current_etag", current)
		return storage.ErrConflict
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("s3.delete_object.remove_error", "object", object, "error", err)
		return wrapError(err, "s3: delete object")
	}
	verbose.Debug("s3.delete_object.success", "object", object)
	return nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}
