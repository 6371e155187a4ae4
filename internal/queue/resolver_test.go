package queue

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"pkt.systems/objq/internal/storage"
)

func fixedReader(expiries map[string]time.Time, failing map[string]error) ExpiryReader {
	return func(_ context.Context, key string) (time.Time, error) {
		if err, ok := failing[key]; ok {
			return time.Time{}, err
		}
		if ts, ok := expiries[key]; ok {
			return ts, nil
		}
		return time.Time{}, storage.ErrNotFound
	}
}

func TestResolve(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	cases := []struct {
		name     string
		group    Group
		expiries map[string]time.Time
		failing  map[string]error
		state    State
		claim    string
		wantErr  bool
	}{
		{
			name:  "available without claims",
			group: Group{ID: "m", Payload: true},
			state: StateAvailable,
		},
		{
			name:  "missing payload",
			group: Group{ID: "m", ClaimSubs: []string{"c1"}},
			state: StateMissing,
		},
		{
			name:     "tombstone wins over live claim",
			group:    Group{ID: "m", Payload: true, Tombstone: true, ClaimSubs: []string{"c1"}},
			expiries: map[string]time.Time{"m/c1": future},
			state:    StateDeleted,
		},
		{
			name:     "tombstone wins without payload",
			group:    Group{ID: "m", Tombstone: true},
			state:    StateDeleted,
			expiries: nil,
		},
		{
			name:     "live claim is pending",
			group:    Group{ID: "m", Payload: true, ClaimSubs: []string{"c1"}},
			expiries: map[string]time.Time{"m/c1": future},
			state:    StatePending,
			claim:    "m/c1",
		},
		{
			name:     "expired claim is available",
			group:    Group{ID: "m", Payload: true, ClaimSubs: []string{"c1"}},
			expiries: map[string]time.Time{"m/c1": past},
			state:    StateAvailable,
			claim:    "m/c1",
		},
		{
			name:     "expiry equal to now is available",
			group:    Group{ID: "m", Payload: true, ClaimSubs: []string{"c1"}},
			expiries: map[string]time.Time{"m/c1": now},
			state:    StateAvailable,
			claim:    "m/c1",
		},
		{
			name:     "lexically last claim decides",
			group:    Group{ID: "m", Payload: true, ClaimSubs: []string{"c2", "c1"}},
			expiries: map[string]time.Time{"m/c1": future, "m/c2": past},
			state:    StateAvailable,
			claim:    "m/c2",
		},
		{
			name:     "vanished marker falls back to previous",
			group:    Group{ID: "m", Payload: true, ClaimSubs: []string{"c1", "c2"}},
			expiries: map[string]time.Time{"m/c1": future},
			state:    StatePending,
			claim:    "m/c1",
		},
		{
			name:  "all markers vanished",
			group: Group{ID: "m", Payload: true, ClaimSubs: []string{"c1"}},
			state: StateAvailable,
		},
		{
			name:    "undecodable marker is passed over",
			group:   Group{ID: "m", Payload: true, ClaimSubs: []string{"c1"}},
			failing: map[string]error{"m/c1": ErrMalformedState},
			state:   StateAvailable,
		},
		{
			name:     "undecodable newest marker falls back to older live claim",
			group:    Group{ID: "m", Payload: true, ClaimSubs: []string{"c1", "c2"}},
			expiries: map[string]time.Time{"m/c1": future},
			failing:  map[string]error{"m/c2": ErrMalformedState},
			state:    StatePending,
			claim:    "m/c1",
		},
		{
			name:    "unreadable marker",
			group:   Group{ID: "m", Payload: true, ClaimSubs: []string{"c1"}},
			failing: map[string]error{"m/c1": storage.NewTransientError(errors.New("read timeout"))},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		res, err := Resolve(context.Background(), tc.group, fixedReader(tc.expiries, tc.failing), now)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if res.State != tc.state {
			t.Fatalf("%s: state %s, want %s", tc.name, res.State, tc.state)
		}
		if res.ClaimKey != tc.claim {
			t.Fatalf("%s: claim %q, want %q", tc.name, res.ClaimKey, tc.claim)
		}
		for key, err := range tc.failing {
			if errors.Is(err, ErrMalformedState) && !slices.Contains(res.Malformed, key) {
				t.Fatalf("%s: %s not reported as malformed: %v", tc.name, key, res.Malformed)
			}
		}
	}
}

func TestClaimRecordRoundTrip(t *testing.T) {
	expires := time.Unix(1_700_000_000, 250_000_000).UTC()
	data, err := encodeClaim(expires)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeClaim(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d := got.Sub(expires); d > time.Microsecond || d < -time.Microsecond {
		t.Fatalf("expected %v, got %v", expires, got)
	}
}

func TestDecodeClaimAcceptsPlainSeconds(t *testing.T) {
	got, err := decodeClaim([]byte(`{"expires": 1700000000.5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := time.Unix(1_700_000_000, 500_000_000).UTC()
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDecodeClaimRejectsGarbage(t *testing.T) {
	for _, body := range []string{"", "not json", `{"expires": -1}`} {
		if _, err := decodeClaim([]byte(body)); !errors.Is(err, ErrMalformedState) {
			t.Fatalf("expected malformed state for %q, got %v", body, err)
		}
	}
}
