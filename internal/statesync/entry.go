package statesync

import (
	"bytes"
	"time"

	"github.com/dreamware/devmesh/internal/vclock"
)

// Entry is one versioned value. Clock is the vector clock at write time and
// WriteTime is the writer's wall clock in unix seconds, used only to break
// ties between concurrent writes.
type Entry struct {
	Clock     vclock.Clock `json:"clock"`
	Key       string       `json:"key"`
	Origin    string       `json:"origin"`
	Value     []byte       `json:"value"`
	WriteTime float64      `json:"write_time"`
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	out.Clock = e.Clock.Copy()
	if e.Value != nil {
		out.Value = bytes.Clone(e.Value)
	}
	return out
}

// Time converts WriteTime back to a time.Time.
func (e Entry) Time() time.Time {
	sec := int64(e.WriteTime)
	nsec := int64((e.WriteTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Same reports whether two entries are identical in every replicated field.
func (e Entry) Same(o Entry) bool {
	return e.Key == o.Key && e.Origin == o.Origin && e.WriteTime == o.WriteTime &&
		bytes.Equal(e.Value, o.Value) && e.Clock.Compare(o.Clock) == vclock.Equal
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Message is the gossip wire message.
type Message struct {
	SenderID string  `json:"sender_id"`
	Entries  []Entry `json:"entries"`
	RoundID  uint64  `json:"round_id"`
	HopCount int     `json:"hop_count"`
}

// Digest maps every key a node holds to the clock of its entry.
type Digest map[string]vclock.Clock

// FetchRequest asks a peer for full entries.
type FetchRequest struct {
	Keys []string `json:"keys"`
}

// FetchResponse carries the requested entries. Unknown keys are omitted.
type FetchResponse struct {
	Entries []Entry `json:"entries"`
}

// DigestResponse wraps a Digest on the wire.
type DigestResponse struct {
	NodeID string `json:"node_id"`
	Digest Digest `json:"digest"`
}

// Outcome is the result of applying a remote entry.
type Outcome int

const (
	// Applied means the remote entry dominated (or the key was new) and
	// replaced the local one.
	Applied Outcome = iota
	// Stale means the local entry dominated or equalled the remote one,
	// which was discarded.
	Stale
	// Conflicted means the clocks were concurrent and the stored entry is
	// the resolution of both.
	Conflicted
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}
