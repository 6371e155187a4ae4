// Package sortid issues lexically sortable identifiers.
//
// An identifier is 17 lowercase hex characters: 11 for the Unix time in
// milliseconds, 3 for a random tag chosen once per Generator and 3 for a
// per-Generator counter that wraps at 4096. Lexical order follows issuance
// time at millisecond granularity; the tag keeps concurrent producers apart.
package sortid

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/objq/internal/clock"
)

// Field widths, in hex characters.
const (
	TimeWidth    = 11
	TagWidth     = 3
	CounterWidth = 3
	Length       = TimeWidth + TagWidth + CounterWidth
)

const counterModulo = 1 << (4 * CounterWidth)

// Generator issues identifiers. The zero value is not usable; call New.
type Generator struct {
	clock clock.Clock
	tag   string

	mu      sync.Mutex
	lastMs  int64
	counter uint32
}

// New returns a Generator with a fresh random tag reading time from clk.
// A nil clk uses the wall clock.
func New(clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Generator{clock: clk, tag: randomTag()}
}

// NewWithTag returns a Generator using the supplied 3-hex tag.
func NewWithTag(clk clock.Clock, tag string) (*Generator, error) {
	if len(tag) != TagWidth || !isHex(tag) {
		return nil, fmt.Errorf("sortid: tag must be %d hex characters", TagWidth)
	}
	g := New(clk)
	g.tag = tag
	return g, nil
}

// Tag returns the instance tag embedded in every identifier from g.
func (g *Generator) Tag() string {
	return g.tag
}

// Next returns the next identifier. It never blocks on the clock and never fails.
func (g *Generator) Next() string {
	g.mu.Lock()
	ms := g.clock.Now().UnixMilli()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms
	g.counter = (g.counter + 1) % counterModulo
	counter := g.counter
	g.mu.Unlock()
	return fmt.Sprintf("%0*x%s%0*x", TimeWidth, ms, g.tag, CounterWidth, counter)
}

var defaultGenerator = New(nil)

// Next returns an identifier from the process-wide generator.
func Next() string {
	return defaultGenerator.Next()
}

// Valid reports whether id has the identifier shape.
func Valid(id string) bool {
	return len(id) == Length && isHex(id)
}

// Time extracts the issuance time encoded in id.
func Time(id string) (time.Time, error) {
	if !Valid(id) {
		return time.Time{}, fmt.Errorf("sortid: invalid identifier %q", id)
	}
	ms, err := strconv.ParseInt(id[:TimeWidth], 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("sortid: parse time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func randomTag() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:2])[:TagWidth]
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
