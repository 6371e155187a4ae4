package retry_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/storage/memory"
	"pkt.systems/objq/internal/storage/retry"
	"pkt.systems/pslog"
)

var testRef = storage.ContainerRef{Account: "acct", Container: ".queue-q"}

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubBackend struct {
	listErrs  []error
	listCalls int
	hook      func(int)

	putErrs   []error
	putCalls  int
	putBodies []string
}

func (s *stubBackend) EnsureContainer(context.Context, storage.ContainerRef) error {
	return nil
}

func (s *stubBackend) ListContainers(context.Context, string, storage.ListOptions) (*storage.ListResult, error) {
	return nil, storage.ErrNotImplemented
}

func (s *stubBackend) ListObjects(_ context.Context, _ storage.ContainerRef, _ storage.ListOptions) (*storage.ListResult, error) {
	s.listCalls++
	if s.hook != nil {
		s.hook(s.listCalls)
	}
	var err error
	if idx := s.listCalls - 1; idx < len(s.listErrs) {
		err = s.listErrs[idx]
	}
	if err != nil {
		return nil, err
	}
	return &storage.ListResult{Objects: []storage.ObjectInfo{{Key: fmt.Sprintf("k%d/msg", s.listCalls)}}}, nil
}

func (s *stubBackend) HeadObject(context.Context, storage.ContainerRef, string) (*storage.ObjectInfo, error) {
	return nil, storage.ErrNotImplemented
}

func (s *stubBackend) GetObject(context.Context, storage.ContainerRef, string) (storage.GetObjectResult, error) {
	return storage.GetObjectResult{}, storage.ErrNotImplemented
}

func (s *stubBackend) PutObject(_ context.Context, _ storage.ContainerRef, _ string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.putBodies = append(s.putBodies, string(data))
	if idx := s.putCalls - 1; idx < len(s.putErrs) && s.putErrs[idx] != nil {
		return nil, s.putErrs[idx]
	}
	return &storage.ObjectInfo{Key: "obj", ETag: fmt.Sprintf("etag-%d", s.putCalls), Size: int64(len(data))}, nil
}

func (s *stubBackend) DeleteObject(context.Context, storage.ContainerRef, string, storage.DeleteObjectOptions) error {
	return storage.ErrNotImplemented
}

func (s *stubBackend) Close() error { return nil }

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil backend when inner is nil")
	}
}

func TestListObjectsRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	back := &stubBackend{
		listErrs: []error{
			storage.NewTransientError(errors.New("temporary")),
			storage.NewTransientError(errors.New("temporary again")),
			nil,
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    8 * time.Millisecond,
	})

	res, err := wrapped.ListObjects(context.Background(), testRef, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListObjects returned error: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "k3/msg" {
		t.Fatalf("unexpected listing: %#v", res.Objects)
	}
	if back.listCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", back.listCalls)
	}
	if len(fc.sleeps) != 2 || fc.sleeps[0] != 5*time.Millisecond || fc.sleeps[1] != 8*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", fc.sleeps)
	}
}

func TestListObjectsStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	back := &stubBackend{listErrs: []error{errors.New("fatal"), nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3})

	_, err := wrapped.ListObjects(context.Background(), testRef, storage.ListOptions{})
	if err == nil || err.Error() != "fatal" {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if back.listCalls != 1 {
		t.Fatalf("unexpected number of attempts: %d", back.listCalls)
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("unexpected sleeps: %+v", fc.sleeps)
	}
}

func TestListObjectsGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	transient := storage.NewTransientError(errors.New("down"))
	back := &stubBackend{listErrs: []error{transient, transient, transient}}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})

	_, err := wrapped.ListObjects(context.Background(), testRef, storage.ListOptions{})
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if back.listCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", back.listCalls)
	}
}

func TestListObjectsRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	back := &stubBackend{
		listErrs: []error{
			storage.NewTransientError(errors.New("flaky")),
			storage.NewTransientError(errors.New("flaky retry")),
		},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 5})

	_, err := wrapped.ListObjects(ctx, testRef, storage.ListOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if back.listCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", back.listCalls)
	}
}

func TestPutObjectReplayContract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		body          func() io.Reader
		expectedCalls int
		expectErr     error
	}{
		{
			name:          "replayable_retries",
			body:          func() io.Reader { return bytes.NewReader([]byte(`{"expires":1}`)) },
			expectedCalls: 2,
		},
		{
			name:          "non_replayable_fail_fast",
			body:          func() io.Reader { return bytes.NewBufferString(`{"expires":1}`) },
			expectedCalls: 1,
			expectErr:     retry.ErrNonReplayableBody,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			back := &stubBackend{putErrs: []error{storage.NewTransientError(errors.New("temporary")), nil}}
			wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})

			_, err := wrapped.PutObject(context.Background(), testRef, "id/claim", tc.body(), storage.PutObjectOptions{})
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected %v, got %v", tc.expectErr, err)
				}
			} else if err != nil {
				t.Fatalf("PutObject: %v", err)
			}
			if back.putCalls != tc.expectedCalls {
				t.Fatalf("expected %d calls, got %d", tc.expectedCalls, back.putCalls)
			}
			for _, body := range back.putBodies {
				if body != `{"expires":1}` {
					t.Fatalf("unexpected body replay: %#v", back.putBodies)
				}
			}
		})
	}
}

// lossyBackend forwards writes to the wrapped store but reports the first
// drops of them as transient failures, as if the response was lost.
type lossyBackend struct {
	storage.Backend
	drops int
	puts  int
}

func (l *lossyBackend) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	l.puts++
	info, err := l.Backend.PutObject(ctx, ref, key, body, opts)
	if l.drops > 0 {
		l.drops--
		return nil, storage.NewTransientError(errors.New("connection reset after write"))
	}
	return info, err
}

func TestPutObjectCreateSurvivesLostResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		existing  string
		expectErr error
	}{
		{name: "own_write_landed"},
		{name: "foreign_object", existing: `{"expires":9}`, expectErr: storage.ErrConflict},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			mem := memory.New()
			t.Cleanup(func() { _ = mem.Close() })
			if err := mem.EnsureContainer(ctx, testRef); err != nil {
				t.Fatalf("ensure container: %v", err)
			}
			if tc.existing != "" {
				if _, err := mem.PutObject(ctx, testRef, "id/claim", bytes.NewReader([]byte(tc.existing)), storage.PutObjectOptions{IfNotExists: true}); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			back := &lossyBackend{Backend: mem, drops: 1}
			wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})

			info, err := wrapped.PutObject(ctx, testRef, "id/claim", bytes.NewReader([]byte(`{"expires":1}`)), storage.PutObjectOptions{IfNotExists: true})
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected %v, got %v", tc.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PutObject: %v", err)
			}
			if back.puts != 2 {
				t.Fatalf("expected 2 attempts, got %d", back.puts)
			}
			if info == nil || info.Size != int64(len(`{"expires":1}`)) {
				t.Fatalf("unexpected info %+v", info)
			}
		})
	}
}

func TestPutObjectConflictWithoutFaultIsReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := memory.New()
	t.Cleanup(func() { _ = mem.Close() })
	if err := mem.EnsureContainer(ctx, testRef); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	wrapped := retry.Wrap(mem, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})
	body := []byte(`{"expires":1}`)
	for i, want := range []error{nil, storage.ErrConflict} {
		_, err := wrapped.PutObject(ctx, testRef, "id/claim", bytes.NewReader(body), storage.PutObjectOptions{IfNotExists: true})
		if !errors.Is(err, want) {
			t.Fatalf("put %d: expected %v, got %v", i, want, err)
		}
	}
}
