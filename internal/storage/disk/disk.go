// Package disk stores containers and objects on a local or shared POSIX
// filesystem.
//
// Layout under Root:
//
//	objects/<account>/<container>/<key>       object payloads
//	meta/<account>/<container>/<key>.json     ETag and content type sidecars
//	locks/<hash>.lock                         per-object advisory locks
//	tmp/                                      staging area for atomic renames
//
// Every path segment is URL path-escaped so keys containing '/' map to a
// single file. Conditional writes serialise on an in-process mutex and an
// fcntl lock, so several processes may share one root.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
	// ChangeFeed enables fsnotify based change notifications. It is ignored
	// on NFS where inotify does not observe remote writers.
	ChangeFeed bool
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root      string
	objectDir string
	metaDir   string
	lockDir   string
	tmpDir    string
	now       func() time.Time

	locks sync.Map

	watchEnabled bool
	watchReason  string
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		metaDir:   filepath.Join(root, "meta"),
		lockDir:   filepath.Join(root, "locks"),
		tmpDir:    filepath.Join(root, "tmp"),
		now:       cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.metaDir, s.lockDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchReason = "config_disabled"
	if cfg.ChangeFeed {
		if isNFS(root) {
			s.watchReason = "filesystem_not_supported"
		} else {
			s.watchEnabled = true
			s.watchReason = "fsnotify"
		}
	}
	return s, nil
}

// ChangeFeedStatus reports whether fsnotify notifications are active and why.
func (s *Store) ChangeFeedStatus() (bool, string) {
	return s.watchEnabled, s.watchReason
}

// Close releases resources held by the store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) loggers(ctx context.Context) (logger, verbose pslog.Logger) {
	logger = storage.BackendLogger(ctx, "disk")
	return logger, logger
}

func escape(segment string) string {
	return url.PathEscape(segment)
}

func (s *Store) containerDir(ref storage.ContainerRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, escape(ref.Account), escape(ref.Container)), nil
}

func (s *Store) paths(ref storage.ContainerRef, key string) (data, info string, err error) {
	dir, err := s.containerDir(ref)
	if err != nil {
		return "", "", err
	}
	if err := storage.ValidateKey(key); err != nil {
		return "", "", err
	}
	name := escape(key)
	data = filepath.Join(dir, name)
	info = filepath.Join(s.metaDir, escape(ref.Account), escape(ref.Container), name+".json")
	return data, info, nil
}

func (s *Store) containerExists(ref storage.ContainerRef) error {
	dir, err := s.containerDir(ref)
	if err != nil {
		return err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrContainerNotFound
		}
		return fmt.Errorf("disk: stat container %s: %w", ref, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("disk: container path %q is not a directory", dir)
	}
	return nil
}

func (s *Store) keyLock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lock serialises writers of one object, both within this process and across
// processes sharing the root.
func (s *Store) lock(ref storage.ContainerRef, key string) (func() error, error) {
	sum := sha256.Sum256([]byte(ref.String() + "\x00" + key))
	id := hex.EncodeToString(sum[:16])
	mu := s.keyLock(id)
	mu.Lock()
	f, err := os.OpenFile(filepath.Join(s.lockDir, id+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock object: %w", err)
	}
	fl := &fileLock{file: f}
	return func() error {
		defer mu.Unlock()
		return fl.Unlock()
	}, nil
}

// EnsureContainer creates the container directories when missing.
func (s *Store) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	logger, verbose := s.loggers(ctx)
	dir, err := s.containerDir(ref)
	if err != nil {
		return err
	}
	for _, d := range []string{dir, filepath.Join(s.metaDir, escape(ref.Account), escape(ref.Container))} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			logger.Debug("disk.ensure_container.error", "container", ref.String(), "error", err)
			return fmt.Errorf("disk: create container %s: %w", ref, err)
		}
	}
	verbose.Trace("disk.ensure_container.success", "container", ref.String())
	return nil
}

// ListContainers lists the containers of account in lexical order.
func (s *Store) ListContainers(ctx context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, _ := s.loggers(ctx)
	if err := storage.ValidateAccount(account); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.objectDir, escape(account)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &storage.ListResult{}, nil
		}
		logger.Debug("disk.list_containers.error", "account", account, "error", err)
		return nil, fmt.Errorf("disk: list containers: %w", err)
	}
	names := make([]string, 0, len(entries))
	modified := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
		if fi, err := entry.Info(); err == nil {
			modified[name] = fi.ModTime()
		}
	}
	sort.Strings(names)
	return storage.PageKeys(names, opts, func(name string) storage.ObjectInfo {
		return storage.ObjectInfo{Key: name, LastModified: modified[name]}
	}), nil
}

// ListObjects enumerates objects in ref using lexical ordering of keys.
func (s *Store) ListObjects(ctx context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.list_objects.begin", "container", ref.String(), "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	dir, err := s.containerDir(ref)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrContainerNotFound
		}
		logger.Debug("disk.list_objects.read_error", "container", ref.String(), "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var loadErr error
	result := storage.PageKeys(keys, opts, func(key string) storage.ObjectInfo {
		info, err := s.loadObjectInfo(ref, key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) && loadErr == nil {
				loadErr = err
			}
			return storage.ObjectInfo{Key: key}
		}
		return *info
	})
	if loadErr != nil {
		logger.Debug("disk.list_objects.load_error", "container", ref.String(), "error", loadErr)
		return nil, loadErr
	}
	verbose.Debug("disk.list_objects.success",
		"container", ref.String(),
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// loadObjectInfo combines the data file's stat with its sidecar. A missing
// sidecar, left by a crash between the two renames, is rebuilt from the data.
func (s *Store) loadObjectInfo(ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	dataPath, infoPath, err := s.paths(ref, key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}
	payload, err := os.ReadFile(infoPath)
	switch {
	case err == nil:
		var rec objectInfoRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
		}
		info.ETag = rec.ETag
		info.ContentType = rec.ContentType
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	if info.ETag == "" {
		etag, err := hashFile(dataPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, storage.ErrNotFound
			}
			return nil, err
		}
		info.ETag = etag
	}
	return info, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("disk: hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HeadObject returns metadata for key.
func (s *Store) HeadObject(ctx context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	_, verbose := s.loggers(ctx)
	info, err := s.loadObjectInfo(ref, key)
	if errors.Is(err, storage.ErrNotFound) {
		if cerr := s.containerExists(ref); cerr != nil {
			return nil, cerr
		}
		verbose.Trace("disk.head_object.not_found", "container", ref.String(), "key", key)
	}
	return info, err
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.get_object.begin", "container", ref.String(), "key", key)
	dataPath, _, err := s.paths(ref, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if cerr := s.containerExists(ref); cerr != nil {
				return storage.GetObjectResult{}, cerr
			}
			verbose.Debug("disk.get_object.not_found", "container", ref.String(), "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(ref, key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	verbose.Debug("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object applying optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (info *storage.ObjectInfo, err error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.put_object.begin", "container", ref.String(), "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	dataPath, infoPath, err := s.paths(ref, key)
	if err != nil {
		return nil, err
	}
	if err := s.containerExists(ref); err != nil {
		return nil, err
	}
	unlock, err := s.lock(ref, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(ref, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Debug("disk.put_object.load_error", "key", key, "error", err)
			return nil, err
		}
		if opts.IfNotExists && current != nil {
			verbose.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrConflict
		}
		if opts.ExpectedETag != "" {
			if current == nil {
				return nil, storage.ErrNotFound
			}
			if current.ETag != opts.ExpectedETag {
				verbose.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
				return nil, storage.ErrConflict
			}
		}
	}

	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))
	now := s.now()
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	if err := s.writeJSONAtomic(infoPath, objectInfoRecord{
		ETag:          etag,
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
	}); err != nil {
		return nil, fmt.Errorf("disk: write object metadata %q: %w", key, err)
	}
	info = &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}
	verbose.Debug("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// DeleteObject removes an object applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) (err error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.delete_object.begin", "container", ref.String(), "key", key, "expected_etag", opts.ExpectedETag)
	dataPath, infoPath, err := s.paths(ref, key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(ref, key)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	info, err := s.loadObjectInfo(ref, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrConflict
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	verbose.Debug("disk.delete_object.success", "key", key)
	return nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "meta-*")
	if err != nil {
		return err
	}
	err = json.NewEncoder(tmp).Encode(v)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
