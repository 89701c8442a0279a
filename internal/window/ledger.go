package window

import (
	"sort"

	"lecca.io/scout-watchtower/internal/substrate"
)

const (
	// Retention is how many sessions back an entry survives before eviction.
	Retention uint32 = 7
	// Lookback is the number of past sessions covered by rolling totals.
	Lookback uint32 = 6
)

// Key addresses a single (session, stash) record.
type Key struct {
	Session uint32
	Stash   substrate.AccountID
}

// Ledger is a session-keyed record map. It does no locking; the owner
// serializes access.
type Ledger[V any] struct {
	items map[Key]V
}

type EntryData[V any] struct {
	Session uint32 `json:"session"`
	Stash   string `json:"stash"`
	Value   V      `json:"value"`
}

// NewLedger creates an empty ledger.
func NewLedger[V any]() *Ledger[V] {
	return &Ledger[V]{items: make(map[Key]V)}
}

// SessionBack returns current-n, or ok=false when that session would be
// before genesis.
func SessionBack(current, n uint32) (session uint32, ok bool) {
	if n > current {
		return 0, false
	}
	return current - n, true
}

func (l *Ledger[V]) Get(session uint32, stash substrate.AccountID) (V, bool) {
	v, ok := l.items[Key{Session: session, Stash: stash}]
	return v, ok
}

func (l *Ledger[V]) Set(session uint32, stash substrate.AccountID, v V) {
	l.items[Key{Session: session, Stash: stash}] = v
}

// Update applies fn to the current value (zero value if absent) and stores the result.
func (l *Ledger[V]) Update(session uint32, stash substrate.AccountID, fn func(V) V) V {
	k := Key{Session: session, Stash: stash}
	v := fn(l.items[k])
	l.items[k] = v
	return v
}

func (l *Ledger[V]) Delete(session uint32, stash substrate.AccountID) {
	delete(l.items, Key{Session: session, Stash: stash})
}

// Evict removes the record that fell out of the retention horizon relative
// to the given session. Nothing is removed while session < Retention.
func (l *Ledger[V]) Evict(session uint32, stash substrate.AccountID) {
	old, ok := SessionBack(session, Retention)
	if !ok {
		return
	}
	l.Delete(old, stash)
}

// Sum folds the values of sessions current-1 .. current-Lookback for a stash.
// Sessions before genesis and absent records are skipped.
func (l *Ledger[V]) Sum(current uint32, stash substrate.AccountID, weight func(V) uint32) uint32 {
	var total uint32
	for n := uint32(1); n <= Lookback; n++ {
		s, ok := SessionBack(current, n)
		if !ok {
			break
		}
		if v, ok := l.Get(s, stash); ok {
			total += weight(v)
		}
	}
	return total
}

func (l *Ledger[V]) Len() int {
	return len(l.items)
}

// OldestSession returns the lowest session index held, ok=false when empty.
func (l *Ledger[V]) OldestSession() (uint32, bool) {
	var (
		oldest uint32
		found  bool
	)
	for k := range l.items {
		if !found || k.Session < oldest {
			oldest = k.Session
			found = true
		}
	}
	return oldest, found
}

// Export returns all entries ordered by session then stash.
func (l *Ledger[V]) Export() []EntryData[V] {
	out := make([]EntryData[V], 0, len(l.items))
	for k, v := range l.items {
		out = append(out, EntryData[V]{Session: k.Session, Stash: k.Stash.String(), Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].Stash < out[j].Stash
	})
	return out
}
