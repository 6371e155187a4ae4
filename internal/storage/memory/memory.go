package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/uuidv7"
)

// Config configures the in-memory store behaviour.
type Config struct {
	ChangeFeed bool
}

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu         sync.RWMutex
	containers map[storage.ContainerRef]*container

	watchEnabled bool
	watchers     map[storage.ContainerRef]map[*subscription]struct{}
	watchMu      sync.Mutex
}

type container struct {
	created    time.Time
	objs       map[string]*objectEntry
	sortedKeys []string
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store with change notifications enabled.
func New() *Store {
	return NewWithConfig(Config{ChangeFeed: true})
}

// NewWithConfig returns a ready to use in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	store := &Store{
		containers: make(map[storage.ContainerRef]*container),
	}
	if cfg.ChangeFeed {
		store.watchEnabled = true
		store.watchers = make(map[storage.ContainerRef]map[*subscription]struct{})
	}
	return store
}

// Close satisfies storage.Backend and closes any open subscriptions.
func (s *Store) Close() error {
	if !s.watchEnabled {
		return nil
	}
	s.watchMu.Lock()
	var subs []*subscription
	for _, watchers := range s.watchers {
		for sub := range watchers {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[storage.ContainerRef]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// EnsureContainer creates ref when missing.
func (s *Store) EnsureContainer(_ context.Context, ref storage.ContainerRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[ref]; !ok {
		s.containers[ref] = &container{
			created: time.Now().UTC(),
			objs:    make(map[string]*objectEntry),
		}
	}
	return nil
}

// ListContainers returns the containers of account in lexical order.
func (s *Store) ListContainers(_ context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.containers))
	created := make(map[string]time.Time)
	for ref, c := range s.containers {
		if ref.Account != account {
			continue
		}
		names = append(names, ref.Container)
		created[ref.Container] = c.created
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return storage.PageKeys(names, opts, func(name string) storage.ObjectInfo {
		return storage.ObjectInfo{Key: name, LastModified: created[name]}
	}), nil
}

// ListObjects returns a page of keys within ref honouring prefix, start-after and limit.
func (s *Store) ListObjects(_ context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[ref]
	if !ok {
		return nil, storage.ErrContainerNotFound
	}
	return storage.PageKeys(c.sortedKeys, opts, func(key string) storage.ObjectInfo {
		return c.objs[key].info(key)
	}), nil
}

// HeadObject returns the metadata for key if present.
func (s *Store) HeadObject(_ context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[ref]
	if !ok {
		return nil, storage.ErrContainerNotFound
	}
	entry, ok := c.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	info := entry.info(key)
	return &info, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[ref]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrContainerNotFound
	}
	entry, ok := c.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := entry.info(key)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   &info,
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	c, ok := s.containers[ref]
	if !ok {
		s.mu.Unlock()
		return nil, storage.ErrContainerNotFound
	}
	entry, exists := c.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrConflict
		}
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrConflict
	}
	next := &objectEntry{
		payload:     payload,
		etag:        uuidv7.NewETag(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	c.objs[key] = next
	if !exists {
		c.insertKey(key)
	}
	s.mu.Unlock()

	s.notify(ref)
	info := next.info(key)
	return &info, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	c, ok := s.containers[ref]
	if !ok {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrContainerNotFound
	}
	entry, exists := c.objs[key]
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrConflict
	}
	delete(c.objs, key)
	c.removeKey(key)
	s.mu.Unlock()

	s.notify(ref)
	return nil
}

// SubscribeContainer implements storage.ChangeFeed for the in-memory backend.
func (s *Store) SubscribeContainer(ref storage.ContainerRef) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	sub := &subscription{
		store:  s,
		ref:    ref,
		events: make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	watchers := s.watchers[ref]
	if watchers == nil {
		watchers = make(map[*subscription]struct{})
		s.watchers[ref] = watchers
	}
	watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(ref storage.ContainerRef) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers[ref] {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(ref storage.ContainerRef, sub *subscription) {
	s.watchMu.Lock()
	if watchers, ok := s.watchers[ref]; ok {
		delete(watchers, sub)
		if len(watchers) == 0 {
			delete(s.watchers, ref)
		}
	}
	s.watchMu.Unlock()
}

func (e *objectEntry) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}

func (c *container) insertKey(key string) {
	idx := sort.SearchStrings(c.sortedKeys, key)
	if idx < len(c.sortedKeys) && c.sortedKeys[idx] == key {
		return
	}
	c.sortedKeys = append(c.sortedKeys, "")
	copy(c.sortedKeys[idx+1:], c.sortedKeys[idx:])
	c.sortedKeys[idx] = key
}

func (c *container) removeKey(key string) {
	idx := sort.SearchStrings(c.sortedKeys, key)
	if idx < len(c.sortedKeys) && c.sortedKeys[idx] == key {
		c.sortedKeys = append(c.sortedKeys[:idx], c.sortedKeys[idx+1:]...)
	}
}

// page slices sorted keys according to opts. keys must be sorted.
// subscription is one change-feed listener. mu orders signal against close
// so a notification never lands on a closed channel.
type subscription struct {
	store  *Store
	ref    storage.ContainerRef
	events chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	if s.close() {
		s.store.removeSubscription(s.ref, s)
	}
	return nil
}

func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// close reports whether this call closed the subscription.
func (s *subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}
