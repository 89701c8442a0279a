package para

import (
	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/window"
)

// Entry is a watched stash resolved to its position in the era validator list.
type Entry struct {
	Stash substrate.AccountID
	Index uint32
}

// Records tracks, per session, whether watched stashes were assigned as
// parachain validators. Not safe for concurrent use.
type Records struct {
	stashes []substrate.AccountID

	currentSession uint32
	watchlist      []Entry
	membership     *window.Ledger[bool]
}

func NewRecords(stashes []substrate.AccountID) *Records {
	return &Records{
		stashes:    append([]substrate.AccountID(nil), stashes...),
		membership: window.NewLedger[bool](),
	}
}

func (r *Records) SetSession(index uint32) {
	r.currentSession = index
}

func (r *Records) CurrentSession() uint32 {
	return r.currentSession
}

// ResolveWatchlist maps each configured stash to its position in the active
// validator list. Stashes not in the list are dropped until the next era.
func (r *Records) ResolveWatchlist(activeValidators []substrate.AccountID) {
	position := make(map[substrate.AccountID]uint32, len(activeValidators))
	for i, v := range activeValidators {
		if _, dup := position[v]; !dup {
			position[v] = uint32(i)
		}
	}

	r.watchlist = r.watchlist[:0]
	for _, s := range r.stashes {
		if idx, ok := position[s]; ok {
			r.watchlist = append(r.watchlist, Entry{Stash: s, Index: idx})
		}
	}
}

func (r *Records) Watchlist() []Entry {
	return append([]Entry(nil), r.watchlist...)
}

// RecordMembership stores membership for newSession. Eviction is relative
// to the session being left, and skipped on the very first observation.
func (r *Records) RecordMembership(newSession uint32, activeIndices []uint32) {
	if newSession == r.currentSession {
		return
	}

	active := make(map[uint32]struct{}, len(activeIndices))
	for _, i := range activeIndices {
		active[i] = struct{}{}
	}

	for _, e := range r.watchlist {
		_, assigned := active[e.Index]
		r.membership.Set(newSession, e.Stash, assigned)
		if r.currentSession != 0 {
			r.membership.Evict(r.currentSession, e.Stash)
		}
	}
	r.currentSession = newSession
}

func (r *Records) IsParaValidator(stash substrate.AccountID) bool {
	v, _ := r.membership.Get(r.currentSession, stash)
	return v
}

// RollingSixSessionTotal counts sessions current-1 through current-6 with membership.
func (r *Records) RollingSixSessionTotal(stash substrate.AccountID) uint32 {
	return r.membership.Sum(r.currentSession, stash, func(v bool) uint32 {
		if v {
			return 1
		}
		return 0
	})
}

func (r *Records) Len() int {
	return r.membership.Len()
}

func (r *Records) Export() []window.EntryData[bool] {
	return r.membership.Export()
}
