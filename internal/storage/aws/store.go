// Package aws implements storage.Backend on Amazon S3 using the AWS SDK for
// Go v2. It shares the bucket key layout of the minio based s3 package so the
// two can address the same data.
package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	UsePathStyle  bool
	ServerSideEnc string
	KMSKeyID      string
	// Credentials overrides the default provider chain.
	Credentials aws.CredentialsProvider
	// BufferBudget caps the bytes held in memory to size bodies of unknown
	// length. Zero selects the default.
	BufferBudget int64
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	layout storage.FlatLayout
	buffer *storage.UploadBuffer
}

const (
	defaultBufferBudget = 64 << 20
	awsOpTimeout        = 5 * time.Minute
)

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.BufferBudget == 0 {
		cfg.BufferBudget = defaultBufferBudget
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: storage.HTTPTransport(cfg.Insecure)}),
	}
	if cfg.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			// S3 compatible endpoints rarely accept the default checksum trailers.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{
		client: client,
		cfg:    cfg,
		layout: storage.NewFlatLayout(cfg.Prefix),
		buffer: storage.NewUploadBuffer(cfg.BufferBudget),
	}, nil
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client {
	return s.client
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) loggers(ctx context.Context) (logger, verbose pslog.Logger) {
	logger = storage.BackendLogger(ctx, "aws")
	return logger, logger
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, wrapError(err, "aws: head bucket")
	}
	return true, nil
}

// EnsureContainer writes the container marker unless it already exists.
func (s *Store) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	marker, err := s.layout.ContainerMarker(ref)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(marker),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(storage.ContentTypeOctetStream),
		IfNoneMatch:   aws.String("*"),
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	if _, err := s.client.PutObject(ctx, input); err != nil && !isPreconditionFailed(err) {
		logger.Debug("aws.ensure_container.error", "container", ref.String(), "object", marker, "error", err)
		return wrapError(err, "aws: ensure container")
	}
	verbose.Trace("aws.ensure_container.success", "container", ref.String())
	return nil
}

func (s *Store) containerExists(ctx context.Context, ref storage.ContainerRef) error {
	marker, err := s.layout.ContainerMarker(ref)
	if err != nil {
		return err
	}
	switch _, err := s.head(ctx, marker); {
	case isNotFound(err):
		return storage.ErrContainerNotFound
	case err != nil:
		return wrapError(err, "aws: head container")
	}
	return nil
}

func (s *Store) head(ctx context.Context, object string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
}

func objectInfo(key string, etag *string, size *int64, modified *time.Time, contentType *string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(etag)),
		Size:         aws.ToInt64(size),
		LastModified: aws.ToTime(modified).UTC(),
		ContentType:  aws.ToString(contentType),
	}
}

// ListContainers lists container markers of account.
func (s *Store) ListContainers(ctx context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	flat, trim, err := s.layout.ContainerListing(account, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.list(ctx, "list_containers", flat, trim)
}

// ListObjects lists keys within ref. An empty page triggers a marker check so
// a missing container reports storage.ErrContainerNotFound.
func (s *Store) ListObjects(ctx context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	flat, trim, err := s.layout.ObjectListing(ref, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
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

// list pages through ListObjectsV2 until opts.Limit entries are collected
// or the listing ends. With no limit every page is drained.
func (s *Store) list(ctx context.Context, op string, opts storage.ListOptions, trim string) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("aws."+op+".begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.cfg.Bucket), Prefix: aws.String(opts.Prefix)}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(opts.StartAfter)
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	result := &storage.ListResult{}
	for pages.HasMorePages() && !result.Truncated {
		page, err := pages.NextPage(ctx)
		if err != nil {
			logger.Debug("aws."+op+".error", "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "aws: "+strings.ReplaceAll(op, "_", " "))
		}
		for _, entry := range page.Contents {
			key, ok := strings.CutPrefix(aws.ToString(entry.Key), trim)
			if !ok || key == "" {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[opts.Limit-1].Key
				break
			}
			result.Objects = append(result.Objects, objectInfo(key, entry.ETag, entry.Size, entry.LastModified, nil))
		}
	}
	verbose.Debug("aws."+op+".success",
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return nil, err
	}
	resp, err := s.head(ctx, object)
	switch {
	case isNotFound(err):
		return nil, storage.ErrNotFound
	case err != nil:
		logger.Debug("aws.head_object.error", "object", object, "error", err)
		return nil, wrapError(err, "aws: head object")
	}
	info := objectInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return &info, nil
}

// GetObject downloads the payload for key. The operation timeout stays armed
// until the returned reader is closed.
func (s *Store) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	ctx, cancel := withTimeout(ctx)
	verbose.Trace("aws.get_object.begin", "container", ref.String(), "key", key, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			verbose.Debug("aws.get_object.not_found", "object", object)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "aws: get object")
	}
	info := objectInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	verbose.Debug("aws.get_object.success", "object", object, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, Info: &info}, nil
}

// PutObject uploads key with conditional guards. IfNotExists maps onto
// If-None-Match: * and ExpectedETag onto If-Match.
func (s *Store) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return nil, err
	}
	verbose.Trace("aws.put_object.begin",
		"container", ref.String(),
		"key", key,
		"object", object,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
	)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	sized, err := s.buffer.Size(body)
	if err != nil {
		logger.Debug("aws.put_object.buffer_error", "object", object, "error", err)
		return nil, err
	}
	defer sized.Release()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          sized.Reader,
		ContentLength: aws.Int64(sized.Length),
		ContentType:   aws.String(contentType),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if mapped := classifyPutObjectError(err, opts.ExpectedETag != ""); mapped != nil {
			verbose.Debug("aws.put_object.condition_failed", "object", object, "error", mapped)
			return nil, mapped
		}
		logger.Debug("aws.put_object.put_error", "object", object, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         sized.Length,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}
	verbose.Debug("aws.put_object.success", "object", object, "etag", meta.ETag, "size", meta.Size)
	return meta, nil
}

// DeleteObject removes key. ExpectedETag is compared against a preceding
// HEAD since conditional deletes are not universally supported.
func (s *Store) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := s.layout.Object(ref, key)
	if err != nil {
		return err
	}
	verbose.Trace("aws.delete_object.begin", "object", object, "expected_etag", opts.ExpectedETag, "ignore_not_found", opts.IgnoreNotFound)
	head, err := s.head(ctx, object)
	switch {
	case isNotFound(err) && opts.IgnoreNotFound:
		return nil
	case isNotFound(err):
		return storage.ErrNotFound
	case err != nil:
		return wrapError(err, "aws: head object")
	}
	if current := stripETag(aws.ToString(head.ETag)); opts.ExpectedETag != "" && current != opts.ExpectedETag {
		logger.Debug("aws.delete_object.cas_mismatch", "object", object, "expected_etag", opts.ExpectedETag, "current_etag", current)
		return storage.ErrConflict
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger.Debug("aws.delete_object.remove_error", "object", object, "error", err)
		return wrapError(err, "aws: delete object")
	}
	verbose.Debug("aws.delete_object.success", "object", object)
	return nil
}

// cancelReadCloser releases the operation timeout once the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}
