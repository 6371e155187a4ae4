package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/objq/internal/clock"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/pslog"
)

// ErrNonReplayableBody is returned when a write failed transiently but its
// body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	return b.withRetry(ctx, "ensure_container", ref, "", nil, func(ctx context.Context) error {
		return b.inner.EnsureContainer(ctx, ref)
	})
}

func (b *backend) ListContainers(ctx context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_containers", storage.ContainerRef{Account: account}, opts.Prefix, nil, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListContainers(ctx, account, opts)
		return err
	})
	return res, err
}

func (b *backend) ListObjects(ctx context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", ref, opts.Prefix, nil, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, ref, opts)
		return err
	})
	return res, err
}

func (b *backend) HeadObject(ctx context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "head_object", ref, key, nil, func(ctx context.Context) error {
		var err error
		info, err = b.inner.HeadObject(ctx, ref, key)
		return err
	})
	return info, err
}

func (b *backend) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", ref, key, nil, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, ref, key)
		return err
	})
	return result, err
}

// PutObject retries transient failures. A create-if-absent write whose
// response was lost may have landed anyway, so a conflict on a replay is
// checked against the stored bytes before it is reported.
func (b *backend) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var (
		info    *storage.ObjectInfo
		faulted bool
	)
	start := int64(-1)
	if s, ok := body.(io.Seeker); ok {
		if pos, err := s.Seek(0, io.SeekCurrent); err == nil {
			start = pos
		}
	}
	err := b.withRetry(ctx, "put_object", ref, key, body, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, ref, key, body, opts)
		if faulted && opts.IfNotExists && errors.Is(err, storage.ErrConflict) {
			if landed := b.landed(ctx, ref, key, body, start); landed != nil {
				b.logger.Debug("storage.retry.put_landed", "account", ref.Account, "container", ref.Container, "key", key)
				info = landed
				return nil
			}
		}
		if storage.IsTransient(err) {
			faulted = true
		}
		return err
	})
	return info, err
}

// landed returns the stored object's info when key already holds exactly the
// bytes of body, read from offset start.
func (b *backend) landed(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, start int64) *storage.ObjectInfo {
	seeker, ok := body.(io.Seeker)
	if !ok || start < 0 {
		return nil
	}
	if _, err := seeker.Seek(start, io.SeekStart); err != nil {
		return nil
	}
	want, err := io.ReadAll(body)
	if err != nil {
		return nil
	}
	res, err := b.inner.GetObject(ctx, ref, key)
	if err != nil {
		return nil
	}
	defer res.Reader.Close()
	got, err := io.ReadAll(io.LimitReader(res.Reader, int64(len(want))+1))
	if err != nil || !bytes.Equal(got, want) {
		return nil
	}
	if res.Info != nil {
		return res.Info
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(got))}
}

func (b *backend) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", ref, key, nil, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, ref, key, opts)
	})
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

// withRetry runs fn until it succeeds, fails permanently or attempts run out.
// body, when non-nil, is rewound before every retry.
func (b *backend) withRetry(ctx context.Context, op string, ref storage.ContainerRef, key string, body io.Reader, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var (
		seeker io.Seeker
		start  int64
	)
	if body != nil {
		if s, ok := body.(io.Seeker); ok {
			pos, err := s.Seek(0, io.SeekCurrent)
			if err == nil {
				seeker, start = s, pos
			}
		}
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if body != nil && seeker == nil {
			return fmt.Errorf("%w: %s %s: %w", ErrNonReplayableBody, op, key, err)
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"account", ref.Account,
			"container", ref.Container,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.SleepContext(ctx, b.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
		if seeker != nil {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("retry: rewind body: %w", err)
			}
		}
	}
	return lastErr
}
