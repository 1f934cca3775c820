// Package vclock implements vector clocks used to order writes between devices
// without a global clock.
//
// A Clock maps a device's clock id to a counter. A device only ever increments
// its own slot; clocks received from other devices are combined with Merge.
// Two clocks are compared by the usual partial order, so Compare always returns
// exactly one of Equal, Before, After or Concurrent.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means both clocks carry identical counters.
	Equal Ordering = iota
	// Before means the receiver is dominated by the other clock.
	Before
	// After means the receiver dominates the other clock.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

// String returns a lower-case name for the ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "invalid"
	}
}

// Clock is a vector clock. Missing slots are treated as zero.
// The zero value (nil) is a valid empty clock for reads; use New or Copy
// before mutating.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Copy returns an independent copy of c.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for id, n := range c {
		out[id] = n
	}
	return out
}

// Increment returns a copy of c with the slot for id advanced by one.
// The receiver is left untouched so stored clocks stay immutable.
func (c Clock) Increment(id string) Clock {
	out := c.Copy()
	out[id]++
	return out
}

// Get returns the counter for id, zero when the slot is absent.
func (c Clock) Get(id string) uint64 {
	return c[id]
}

// Merge returns the pointwise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := c.Copy()
	for id, n := range other {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Compare reports how c relates to other.
func (c Clock) Compare(other Clock) Ordering {
	less, greater := false, false
	for id, n := range c {
		m := other[id]
		if n > m {
			greater = true
		} else if n < m {
			less = true
		}
	}
	for id, m := range other {
		if _, seen := c[id]; seen {
			continue
		}
		if m > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case greater:
		return After
	case less:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether c is strictly after other.
func (c Clock) Dominates(other Clock) bool {
	return c.Compare(other) == After
}

// Covers reports whether c is after or equal to other, i.e. everything
// other has seen is already reflected in c.
func (c Clock) Covers(other Clock) bool {
	o := c.Compare(other)
	return o == After || o == Equal
}

// String renders the clock with sorted slots, e.g. "{a:2 b:1}".
func (c Clock) String() string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", id, c[id])
	}
	b.WriteByte('}')
	return b.String()
}
