package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/clock"
	"pkt.systems/objq/internal/sortid"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/svcfields"
)

// Message is a claimed message.
type Message struct {
	ID          string
	Queue       string
	ClaimKey    string
	Body        []byte
	ContentType string
	EnqueuedAt  time.Time
	ExpiresAt   time.Time
}

// ClaimOptions tunes a claim.
type ClaimOptions struct {
	// Lease is how long the claim hides the message. Zero uses Config.DefaultLease.
	Lease time.Duration
	// Wait keeps ClaimNext looking for a message for up to this long.
	Wait time.Duration
}

// EnqueueOptions tunes an enqueue.
type EnqueueOptions struct {
	ContentType string
}

// Service implements queue operations atop a storage backend.
type Service struct {
	store   storage.Backend
	clk     clock.Clock
	cfg     Config
	ids     *sortid.Generator
	logger  pslog.Logger
	metrics *serviceMetrics

	known sync.Map // map[storage.ContainerRef]struct{}
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for lease arithmetic and identifiers.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithGenerator sets the identifier generator.
func WithGenerator(g *sortid.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

// New constructs a queue Service.
func New(store storage.Backend, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: backend required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:  store,
		clk:    clock.Real{},
		cfg:    cfg,
		logger: pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = sortid.New(s.clk)
	}
	s.logger = svcfields.WithSubsystem(s.logger, svcfields.SysQueue)
	s.metrics = newServiceMetrics(s.logger)
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// ContainerRef maps (account, queue) to its backing container.
func (s *Service) ContainerRef(account, queue string) (storage.ContainerRef, error) {
	account = strings.TrimSpace(account)
	if account == "" || strings.Contains(account, "/") {
		return storage.ContainerRef{}, fmt.Errorf("%w: invalid account %q", ErrInvalid, account)
	}
	if err := validateQueueName(queue); err != nil {
		return storage.ContainerRef{}, err
	}
	name := s.cfg.QueuePrefix + queue
	if len(name) > s.cfg.Limits.MaxContainerNameLength {
		return storage.ContainerRef{}, fmt.Errorf("%w: container name exceeds %d characters", ErrInvalid, s.cfg.Limits.MaxContainerNameLength)
	}
	return storage.ContainerRef{Account: account, Container: name}, nil
}

func validateQueueName(queue string) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name required", ErrInvalid)
	}
	if queue == "." || queue == ".." || strings.Contains(queue, "/") {
		return fmt.Errorf("%w: invalid queue name %q", ErrInvalid, queue)
	}
	for i := 0; i < len(queue); i++ {
		if queue[i] < 0x21 || queue[i] > 0x7e {
			return fmt.Errorf("%w: invalid queue name %q", ErrInvalid, queue)
		}
	}
	return nil
}

func (s *Service) log(ctx context.Context) pslog.Logger {
	return svcfields.Logger(ctx, s.logger)
}

// EnsureQueue creates the queue's container when missing.
func (s *Service) EnsureQueue(ctx context.Context, account, queue string) error {
	ref, err := s.ContainerRef(account, queue)
	if err != nil {
		return err
	}
	return s.ensureContainer(ctx, ref, true)
}

func (s *Service) ensureContainer(ctx context.Context, ref storage.ContainerRef, force bool) error {
	if !force {
		if _, ok := s.known.Load(ref); ok {
			return nil
		}
	}
	if err := s.store.EnsureContainer(ctx, ref); err != nil {
		return fmt.Errorf("ensure container %s: %w", ref, err)
	}
	s.known.Store(ref, struct{}{})
	return nil
}

// Enqueue stores body as a new message and returns its identifier. The queue
// is created on first use.
func (s *Service) Enqueue(ctx context.Context, account, queue string, body []byte, opts EnqueueOptions) (string, error) {
	ref, err := s.ContainerRef(account, queue)
	if err != nil {
		return "", err
	}
	if int64(len(body)) > s.cfg.Limits.MaxPayloadBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(body), s.cfg.Limits.MaxPayloadBytes)
	}
	if err := s.ensureContainer(ctx, ref, false); err != nil {
		return "", err
	}
	id := s.ids.Next()
	key := PayloadKey(id)
	if err := s.checkKeyLength(key); err != nil {
		return "", err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	put := func() error {
		_, err := s.store.PutObject(ctx, ref, key, bytes.NewReader(body), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: contentType,
		})
		return err
	}
	err = put()
	if errors.Is(err, storage.ErrContainerNotFound) {
		if err = s.ensureContainer(ctx, ref, true); err == nil {
			err = put()
		}
	}
	switch {
	case errors.Is(err, storage.ErrConflict):
		return "", fmt.Errorf("%w: message %s already exists", ErrConflict, id)
	case err != nil:
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	s.metrics.addEnqueued(ctx, queue)
	s.log(ctx).Debug("queue.enqueue.success", "queue", queue, "mid", id, "size", len(body))
	return id, nil
}

func (s *Service) checkKeyLength(key string) error {
	if len(key) > s.cfg.Limits.MaxObjectNameLength {
		return fmt.Errorf("%w: object name exceeds %d characters", ErrInvalid, s.cfg.Limits.MaxObjectNameLength)
	}
	return nil
}

// ClaimNext claims the first available message of queue. found is false,
// with a nil error, when no message is available.
func (s *Service) ClaimNext(ctx context.Context, account, queue string, opts ClaimOptions) (msg *Message, found bool, err error) {
	ref, err := s.ContainerRef(account, queue)
	if err != nil {
		return nil, false, err
	}
	lease, err := s.lease(opts.Lease)
	if err != nil {
		return nil, false, err
	}
	msg, found, err = s.claimNext(ctx, ref, queue, lease)
	if err != nil || found || opts.Wait <= 0 {
		return msg, found, err
	}
	return s.waitClaim(ctx, ref, queue, lease, opts.Wait)
}

// waitClaim repeats claim scans until a message is claimed, wait elapses or
// ctx ends. Backend change notifications trigger an early rescan.
func (s *Service) waitClaim(ctx context.Context, ref storage.ContainerRef, queue string, lease, wait time.Duration) (*Message, bool, error) {
	var events <-chan struct{}
	if feed, ok := s.store.(storage.ChangeFeed); ok {
		sub, err := feed.SubscribeContainer(ref)
		if err == nil {
			defer sub.Close()
			events = sub.Events()
		} else if !errors.Is(err, storage.ErrNotImplemented) {
			s.log(ctx).Debug("queue.wait.subscribe_failed", "queue", queue, "error", err)
		}
	}
	until := s.clk.Now().Add(wait)
	deadline := s.clk.After(wait)
	for {
		poll := s.clk.After(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-deadline:
			return nil, false, nil
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-poll:
		}
		s.log(ctx).Trace("queue.wait.rescan", "queue", queue, "remaining", clock.Until(s.clk, until))
		msg, found, err := s.claimNext(ctx, ref, queue, lease)
		if err != nil || found {
			return msg, found, err
		}
	}
}

// ClaimByID claims a specific message. Deleted or absent messages yield
// ErrNotFound; a message under an unexpired claim yields ErrConflict.
func (s *Service) ClaimByID(ctx context.Context, account, queue, id string, opts ClaimOptions) (*Message, error) {
	ref, err := s.ContainerRef(account, queue)
	if err != nil {
		return nil, err
	}
	if err := ValidateMessageID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	lease, err := s.lease(opts.Lease)
	if err != nil {
		return nil, err
	}
	return s.claimByID(ctx, ref, queue, id, lease)
}

// Acknowledge tombstones a message. deleted is false, with a nil error, when
// the message was already deleted or never existed.
func (s *Service) Acknowledge(ctx context.Context, account, queue, id string) (deleted bool, err error) {
	ref, err := s.ContainerRef(account, queue)
	if err != nil {
		return false, err
	}
	if err := ValidateMessageID(id); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer func() {
		if err == nil {
			s.metrics.addAcked(ctx, queue, deleted)
		}
	}()
	logger := s.log(ctx).With("queue", queue, "mid", id)

	if _, err := s.store.HeadObject(ctx, ref, TombstoneKey(id)); err == nil {
		logger.Debug("queue.ack.already_deleted")
		return false, nil
	} else if !isAbsent(err) {
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if _, err := s.store.HeadObject(ctx, ref, PayloadKey(id)); err != nil {
		if isAbsent(err) {
			logger.Debug("queue.ack.absent")
			return false, nil
		}
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	_, err = s.store.PutObject(ctx, ref, TombstoneKey(id), bytes.NewReader(nil), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeOctetStream,
	})
	if errors.Is(err, storage.ErrConflict) {
		logger.Debug("queue.ack.raced")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	logger.Debug("queue.ack.success")
	return true, nil
}

// ListQueues returns the public names of every queue in account.
func (s *Service) ListQueues(ctx context.Context, account string) ([]string, error) {
	account = strings.TrimSpace(account)
	if account == "" || strings.Contains(account, "/") {
		return nil, fmt.Errorf("%w: invalid account %q", ErrInvalid, account)
	}
	opts := storage.ListOptions{Prefix: s.cfg.QueuePrefix, Limit: s.cfg.Limits.ListingLimit}
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.store.ListContainers(ctx, account, opts)
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}
		for _, obj := range page.Objects {
			name := strings.TrimPrefix(obj.Key, s.cfg.QueuePrefix)
			if name == obj.Key || name == "" {
				continue
			}
			names = append(names, name)
		}
		if !page.Truncated || len(page.Objects) == 0 {
			return names, nil
		}
		opts.StartAfter = page.NextStartAfter
		if opts.StartAfter == "" {
			opts.StartAfter = page.Objects[len(page.Objects)-1].Key
		}
	}
}

func (s *Service) lease(requested time.Duration) (time.Duration, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("%w: negative lease", ErrInvalid)
	case requested == 0:
		return s.cfg.DefaultLease, nil
	case requested > s.cfg.MaxLease:
		return s.cfg.MaxLease, nil
	default:
		return requested, nil
	}
}

// readPayload fetches the body and content type of message id.
func (s *Service) readPayload(ctx context.Context, ref storage.ContainerRef, id string) ([]byte, string, error) {
	res, err := s.store.GetObject(ctx, ref, PayloadKey(id))
	if err != nil {
		return nil, "", err
	}
	defer res.Reader.Close()
	body, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("read payload %s: %w", id, err)
	}
	contentType := ""
	if res.Info != nil {
		contentType = res.Info.ContentType
	}
	return body, contentType, nil
}

func isAbsent(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrContainerNotFound)
}
