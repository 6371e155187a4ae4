package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"pkt.systems/objq/internal/storage"
)

// State is the logical state of a message reconstructed from its keys.
type State int

const (
	// StateMissing means the payload is absent; the message is skipped.
	StateMissing State = iota
	// StateAvailable means the message may be claimed.
	StateAvailable
	// StatePending means an unexpired claim marker holds the message.
	StatePending
	// StateDeleted means a tombstone exists. It is terminal.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StatePending:
		return "pending"
	case StateDeleted:
		return "deleted"
	default:
		return "missing"
	}
}

// Group collects the sub-keys listed for a single message.
type Group struct {
	ID        string
	Payload   bool
	Tombstone bool
	ClaimSubs []string
}

// Add records key in g. key must belong to g.ID.
func (g *Group) Add(key Key) {
	switch key.Kind() {
	case KindPayload:
		g.Payload = true
	case KindTombstone:
		g.Tombstone = true
	default:
		g.ClaimSubs = append(g.ClaimSubs, key.Sub)
	}
}

// Resolution is the outcome of resolving a Group.
type Resolution struct {
	State State
	// ClaimKey is the authoritative claim marker, when one was consulted.
	ClaimKey  string
	ExpiresAt time.Time
	// Malformed lists claim markers passed over because their body could not
	// be decoded.
	Malformed []string
}

// ExpiryReader returns the expiry stored in the claim marker at key.
type ExpiryReader func(ctx context.Context, key string) (time.Time, error)

// Resolve determines the state of g at now.
//
// A tombstone wins over everything. Without a payload the message is Missing.
// When several claim markers coexist the lexically last one is authoritative.
// Claim ids sort by the issuing instance's clock, so that is the most recent
// claim only while consumer clocks agree; with skew an expired marker from a
// fast clock can outrank a live one and the message is delivered again.
// A marker that vanished between listing and reading, or whose body cannot be
// decoded, is passed over and the next older one is consulted. Read failures
// are returned. An expiry at or before now makes the message Available again.
func Resolve(ctx context.Context, g Group, read ExpiryReader, now time.Time) (Resolution, error) {
	if g.Tombstone {
		return Resolution{State: StateDeleted}, nil
	}
	if !g.Payload {
		return Resolution{State: StateMissing}, nil
	}
	if len(g.ClaimSubs) == 0 {
		return Resolution{State: StateAvailable}, nil
	}
	subs := append([]string(nil), g.ClaimSubs...)
	sort.Strings(subs)
	var malformed []string
	for i := len(subs) - 1; i >= 0; i-- {
		key := ClaimKey(g.ID, subs[i])
		expires, err := read(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			continue
		case errors.Is(err, ErrMalformedState):
			malformed = append(malformed, key)
			continue
		case err != nil:
			return Resolution{ClaimKey: key, Malformed: malformed}, err
		}
		res := Resolution{State: StatePending, ClaimKey: key, ExpiresAt: expires, Malformed: malformed}
		if !expires.After(now) {
			res.State = StateAvailable
		}
		return res, nil
	}
	return Resolution{State: StateAvailable, Malformed: malformed}, nil
}

// claimRecord is the JSON body of a claim marker.
type claimRecord struct {
	Expires float64 `json:"expires"`
}

func encodeClaim(expires time.Time) ([]byte, error) {
	secs := float64(expires.UnixNano()) / float64(time.Second)
	return json.Marshal(claimRecord{Expires: secs})
}

func decodeClaim(data []byte) (time.Time, error) {
	var rec claimRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rec); err != nil {
		return time.Time{}, fmt.Errorf("%w: decode claim marker: %v", ErrMalformedState, err)
	}
	if math.IsNaN(rec.Expires) || math.IsInf(rec.Expires, 0) || rec.Expires < 0 {
		return time.Time{}, fmt.Errorf("%w: claim marker expiry %v out of range", ErrMalformedState, rec.Expires)
	}
	whole, frac := math.Modf(rec.Expires)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
}

// storeExpiryReader reads claim markers from store.
func storeExpiryReader(store storage.Backend, ref storage.ContainerRef, maxBytes int64) ExpiryReader {
	return func(ctx context.Context, key string) (time.Time, error) {
		res, err := store.GetObject(ctx, ref, key)
		if err != nil {
			return time.Time{}, err
		}
		defer res.Reader.Close()
		data, err := io.ReadAll(io.LimitReader(res.Reader, maxBytes+1))
		if err != nil {
			return time.Time{}, fmt.Errorf("read claim marker %s: %w", key, err)
		}
		if int64(len(data)) > maxBytes {
			return time.Time{}, fmt.Errorf("%w: claim marker %s exceeds %d bytes", ErrMalformedState, key, maxBytes)
		}
		return decodeClaim(data)
	}
}
