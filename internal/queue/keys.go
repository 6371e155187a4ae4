package queue

import (
	"fmt"
	"strings"
)

// Sub-key names with fixed meaning inside a message prefix.
const (
	PayloadName   = "msg"
	TombstoneName = "deleted"
	separator     = "/"
)

// KeyKind classifies a per-message object key.
type KeyKind int

const (
	// KindPayload is the write-once message body, "<id>/msg".
	KindPayload KeyKind = iota + 1
	// KindTombstone marks a deleted message, "<id>/deleted".
	KindTombstone
	// KindClaim is a pending claim marker, "<id>/<claimId>".
	KindClaim
)

func (k KeyKind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindTombstone:
		return "tombstone"
	case KindClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// Key is a parsed object key inside a queue container.
type Key struct {
	MessageID string
	Sub       string
}

// Kind reports what the key represents. Every sub-key other than the payload
// and tombstone names is a claim marker.
func (k Key) Kind() KeyKind {
	switch k.Sub {
	case PayloadName:
		return KindPayload
	case TombstoneName:
		return KindTombstone
	default:
		return KindClaim
	}
}

// String formats k back into its object key.
func (k Key) String() string {
	return k.MessageID + separator + k.Sub
}

// ParseKey splits an object key into message id and sub-key. Keys must have
// exactly one separator with non-empty components.
func ParseKey(raw string) (Key, error) {
	id, sub, ok := strings.Cut(raw, separator)
	if !ok {
		return Key{}, fmt.Errorf("%w: key %q has no separator", ErrMalformedState, raw)
	}
	if err := ValidateMessageID(id); err != nil {
		return Key{}, fmt.Errorf("%w: key %q: %v", ErrMalformedState, raw, err)
	}
	if sub == "" || strings.Contains(sub, separator) {
		return Key{}, fmt.Errorf("%w: key %q has invalid sub-key", ErrMalformedState, raw)
	}
	return Key{MessageID: id, Sub: sub}, nil
}

// ValidateMessageID rejects identifiers that cannot prefix a message's keys.
func ValidateMessageID(id string) error {
	if id == "" {
		return fmt.Errorf("message id required")
	}
	if id == "." || id == ".." || strings.Contains(id, separator) {
		return fmt.Errorf("invalid message id %q", id)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return fmt.Errorf("invalid message id %q", id)
		}
	}
	return nil
}

// MessagePrefix returns the listing prefix covering every key of id.
func MessagePrefix(id string) string {
	return id + separator
}

// PayloadKey returns "<id>/msg".
func PayloadKey(id string) string {
	return Key{MessageID: id, Sub: PayloadName}.String()
}

// TombstoneKey returns "<id>/deleted".
func TombstoneKey(id string) string {
	return Key{MessageID: id, Sub: TombstoneName}.String()
}

// ClaimKey returns "<id>/<claimID>".
func ClaimKey(id, claimID string) string {
	return Key{MessageID: id, Sub: claimID}.String()
}
