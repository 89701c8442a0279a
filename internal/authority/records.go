package authority

import (
	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/window"
)

// Records counts blocks authored by watched stashes per session.
// Not safe for concurrent use.
type Records struct {
	watched map[substrate.AccountID]struct{}

	lastSeenBlock  uint64
	seenAny        bool
	currentSession uint32
	authorities    []substrate.AccountID
	counts         *window.Ledger[uint32]
	unresolved     uint64
}

func NewRecords(watched []substrate.AccountID) *Records {
	set := make(map[substrate.AccountID]struct{}, len(watched))
	for _, s := range watched {
		set[s] = struct{}{}
	}
	return &Records{
		watched: set,
		counts:  window.NewLedger[uint32](),
	}
}

// SetAuthorities replaces the authority set used to resolve digest indices.
func (r *Records) SetAuthorities(list []substrate.AccountID) {
	r.authorities = append([]substrate.AccountID(nil), list...)
}

func (r *Records) SetSession(index uint32) {
	r.currentSession = index
}

func (r *Records) CurrentSession() uint32 {
	return r.currentSession
}

// RecordBlock attributes a block to its author. A repeated block number is
// ignored so duplicate delivery never double counts.
func (r *Records) RecordBlock(blockNumber uint64, index AuthorityIndex, ok bool) {
	if r.seenAny && blockNumber == r.lastSeenBlock {
		return
	}
	if ok {
		r.attribute(index)
	}
	r.lastSeenBlock = blockNumber
	r.seenAny = true
}

func (r *Records) attribute(index AuthorityIndex) {
	if uint64(index) >= uint64(len(r.authorities)) {
		r.unresolved++
		return
	}
	stash := r.authorities[index]
	if _, watched := r.watched[stash]; !watched {
		return
	}
	r.counts.Update(r.currentSession, stash, func(v uint32) uint32 { return v + 1 })
	r.counts.Evict(r.currentSession, stash)
}

// Seed sets the current session count, used when starting mid-session.
func (r *Records) Seed(stash substrate.AccountID, count uint32) {
	if _, watched := r.watched[stash]; !watched {
		return
	}
	r.counts.Set(r.currentSession, stash, count)
}

// Unresolved reports digest indices that fell outside the authority set.
func (r *Records) Unresolved() uint64 {
	return r.unresolved
}

func (r *Records) LastSeenBlock() uint64 {
	return r.lastSeenBlock
}

func (r *Records) CurrentSessionTotal(stash substrate.AccountID) uint32 {
	v, _ := r.counts.Get(r.currentSession, stash)
	return v
}

func (r *Records) PreviousSessionTotal(stash substrate.AccountID) uint32 {
	prev, ok := window.SessionBack(r.currentSession, 1)
	if !ok {
		return 0
	}
	v, _ := r.counts.Get(prev, stash)
	return v
}

// RollingSixSessionTotal sums sessions current-1 through current-6.
func (r *Records) RollingSixSessionTotal(stash substrate.AccountID) uint32 {
	return r.counts.Sum(r.currentSession, stash, func(v uint32) uint32 { return v })
}

// Len is the number of (session, stash) counters held.
func (r *Records) Len() int {
	return r.counts.Len()
}

func (r *Records) Export() []window.EntryData[uint32] {
	return r.counts.Export()
}
