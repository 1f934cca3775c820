package statesync

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resolution labels recorded on conflicts.
const (
	ResolutionLWW   = "last_writer_wins"
	ResolutionMerge = "merge"
)

// MergeFunc combines two concurrent values of a key into one. It must be
// deterministic and commutative (f(a,b) == f(b,a)) or replicas will not
// converge.
type MergeFunc func(key string, a, b Entry) []byte

// Conflict is a record of two concurrent writes to the same key and how they
// were resolved.
type Conflict struct {
	DetectedAt time.Time `json:"detected_at"`
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Resolution string    `json:"resolution"`
	Local      Entry     `json:"local"`
	Remote     Entry     `json:"remote"`
	Winner     Entry     `json:"winner"`
}

// LastWriterWins picks the entry with the later WriteTime, breaking ties by
// the larger Origin. The winner carries the pointwise max of both clocks so
// it dominates everything either replica absorbed.
func LastWriterWins(local, remote Entry) Entry {
	winner := local
	if remote.WriteTime > local.WriteTime || (remote.WriteTime == local.WriteTime && remote.Origin > local.Origin) {
		winner = remote
	}
	out := winner.Clone()
	out.Clock = local.Clock.Merge(remote.Clock)
	return out
}

type prefixMerge struct {
	fn     MergeFunc
	prefix string
}

// Mergers holds application-supplied merge functions keyed by key prefix.
// The longest matching prefix wins.
type Mergers struct {
	funcs []prefixMerge
	mu    sync.RWMutex
}

// Register installs fn for every key starting with prefix.
func (m *Mergers) Register(prefix string, fn MergeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.funcs {
		if m.funcs[i].prefix == prefix {
			m.funcs[i].fn = fn
			return
		}
	}
	m.funcs = append(m.funcs, prefixMerge{prefix: prefix, fn: fn})
	sort.Slice(m.funcs, func(i, j int) bool { return len(m.funcs[i].prefix) > len(m.funcs[j].prefix) })
}

func (m *Mergers) lookup(key string) MergeFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pm := range m.funcs {
		if strings.HasPrefix(key, pm.prefix) {
			return pm.fn
		}
	}
	return nil
}

// Resolve is a Resolver: a registered MergeFunc if one matches the key,
// otherwise LastWriterWins. Merged entries keep the LWW winner's origin and
// write time so the result is identical on every replica.
func (m *Mergers) Resolve(local, remote Entry) (Entry, string) {
	out := LastWriterWins(local, remote)
	fn := m.lookup(local.Key)
	if fn == nil {
		return out, ResolutionLWW
	}
	a, b := local, remote
	if a.Origin > b.Origin || (a.Origin == b.Origin && a.WriteTime > b.WriteTime) {
		a, b = b, a
	}
	out.Value = fn(local.Key, a, b)
	return out, ResolutionMerge
}

// ConflictLog keeps the most recent conflicts for inspection.
type ConflictLog struct {
	items []Conflict
	max   int
	total uint64
	mu    sync.Mutex
}

// NewConflictLog keeps at most max conflicts (256 when max <= 0).
func NewConflictLog(max int) *ConflictLog {
	if max <= 0 {
		max = 256
	}
	return &ConflictLog{max: max}
}

// Add records c, assigning an id if missing, and returns it.
func (l *ConflictLog) Add(c Conflict) Conflict {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.items = append(l.items, c)
	if over := len(l.items) - l.max; over > 0 {
		l.items = append([]Conflict(nil), l.items[over:]...)
	}
	return c
}

// List returns the retained conflicts, oldest first.
func (l *ConflictLog) List() []Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conflict, len(l.items))
	copy(out, l.items)
	return out
}

// Total returns the number of conflicts ever recorded.
func (l *ConflictLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
