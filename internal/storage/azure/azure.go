// Package azure implements storage.Backend on Azure Blob Storage. Accounts
// and queue containers are laid out inside one blob container using
// storage.FlatLayout.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	layout    storage.FlatLayout
}

// New constructs a Store and creates the blob container when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, wrapError(err, "azure: create container")
	}

	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		layout:    storage.NewFlatLayout(cfg.Prefix),
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: transporter{storage.HTTPTransport(false)},
		},
	}
}

// transporter adapts an http.RoundTripper to the azcore pipeline.
type transporter struct {
	http.RoundTripper
}

func (t transporter) Do(req *http.Request) (*http.Response, error) {
	return t.RoundTrip(req)
}

// Client exposes the underlying Azure Blob client (primarily for diagnostics).
func (s *Store) Client() *azblob.Client {
	return s.client
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (logger, verbose pslog.Logger) {
	logger = storage.BackendLogger(ctx, "azure")
	return logger, logger
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// EnsureContainer uploads the container marker unless it exists.
func (s *Store) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	logger, verbose := s.loggers(ctx)
	marker, err := s.layout.ContainerMarker(ref)
	if err != nil {
		return err
	}
	_, err = s.client.UploadBuffer(ctx, s.container, marker, nil, &azblob.UploadBufferOptions{
		AccessConditions: ifNoneMatch(azcore.ETagAny),
	})
	if err != nil && !isPreconditionFailed(err) {
		logger.Debug("azure.ensure_container.error", "container", ref.String(), "blob", marker, "error", err)
		return wrapError(err, "azure: ensure container")
	}
	verbose.Trace("azure.ensure_container.success", "container", ref.String())
	return nil
}

func (s *Store) containerExists(ctx context.Context, ref storage.ContainerRef) error {
	marker, err := s.layout.ContainerMarker(ref)
	if err != nil {
		return err
	}
	_, err = s.blobClient(marker).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrContainerNotFound
		}
		return wrapError(err, "azure: stat container")
	}
	return nil
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

// list walks the flat blob listing. Blob listings have no start-after
// parameter, so keys up to opts.StartAfter are skipped client side.
func (s *Store) list(ctx context.Context, op string, opts storage.ListOptions, trim string) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("azure."+op+".begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	listOpts := &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(opts.Prefix)}
	if opts.Limit > 0 {
		listOpts.MaxResults = to.Ptr(int32(opts.Limit + 1))
	}
	pager := s.client.NewListBlobsFlatPager(s.container, listOpts)
	result := &storage.ListResult{}
outer:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			logger.Debug("azure."+op+".error", "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "azure: "+strings.ReplaceAll(op, "_", " "))
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if opts.StartAfter != "" && *item.Name <= opts.StartAfter {
				continue
			}
			key := strings.TrimPrefix(*item.Name, trim)
			if key == *item.Name || key == "" {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				break outer
			}
			info := storage.ObjectInfo{Key: key}
			if props := item.Properties; props != nil {
				info = blobInfo(key, props.ETag, props.ContentLength, props.LastModified, props.ContentType)
			}
			result.Objects = append(result.Objects, info)
		}
	}
	verbose.Debug("azure."+op+".success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// HeadObject returns blob properties for key.
func (s *Store) HeadObject(ctx context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	blobName, err := s.layout.Object(ref, key)
	if err != nil {
		return nil, err
	}
	props, err := s.blobClient(blobName).GetProperties(ctx, nil)
	switch {
	case isNotFound(err):
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, wrapError(err, "azure: blob properties")
	}
	info := blobInfo(key, props.ETag, props.ContentLength, props.LastModified, props.ContentType)
	return &info, nil
}

// GetObject opens the blob referenced by key.
func (s *Store) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	blobName, err := s.layout.Object(ref, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("azure.get_object.not_found", "blob", blobName)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("azure.get_object.error", "blob", blobName, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := blobInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return storage.GetObjectResult{Reader: resp.Body, Info: &info}, nil
}

// blobInfo flattens the optional property pointers azblob returns.
func blobInfo(key string, etag *azcore.ETag, size *int64, modified *time.Time, contentType *string) storage.ObjectInfo {
	info := storage.ObjectInfo{Key: key}
	if etag != nil {
		info.ETag = string(*etag)
	}
	if size != nil {
		info.Size = *size
	}
	if modified != nil {
		info.LastModified = modified.UTC()
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
	return info
}

func (s *Store) blobClient(name string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(name)
}

// PutObject uploads a blob with CAS/creation semantics.
func (s *Store) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	blobName, err := s.layout.Object(ref, key)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		AccessConditions: accessConditions(opts),
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, counter, uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			verbose.Debug("azure.put_object.condition_failed", "blob", blobName)
			return nil, storage.ErrConflict
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("azure.put_object.error", "blob", blobName, "error", err)
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ContentType:  contentType,
		Size:         counter.n,
		LastModified: time.Now().UTC(),
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

func accessConditions(opts storage.PutObjectOptions) *blob.AccessConditions {
	switch {
	case opts.ExpectedETag != "":
		return ifMatch(opts.ExpectedETag)
	case opts.IfNotExists:
		return ifNoneMatch(azcore.ETagAny)
	}
	return nil
}

func ifMatch(etag string) *blob.AccessConditions {
	return &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(etag))},
	}
}

func ifNoneMatch(etag azcore.ETag) *blob.AccessConditions {
	return &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &etag},
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	blobName, err := s.layout.Object(ref, key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = ifMatch(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, blobName, deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrConflict
		}
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

func isContainerExists(err error) bool {
	return bloberror.HasCode(err, bloberror.ContainerAlreadyExists)
}

func isPreconditionFailed(err error) bool {
	if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	return storage.Annotate(err, msg, func(err error) bool {
		var respErr *azcore.ResponseError
		return errors.As(err, &respErr) && storage.RetryableStatus(respErr.StatusCode)
	})
}
