package processor

import (
	"sync/atomic"
	"time"

	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/window"
)

// ValidatorState is the published view of one watched stash.
type ValidatorState struct {
	Stash            string `json:"stash"`
	Name             string `json:"name"`
	IsActive         bool   `json:"is_active"`
	IsQueued         bool   `json:"is_queued"`
	ParaValidator    bool   `json:"para_validator"`
	AuthoredCurrent  uint32 `json:"authored_current_session"`
	AuthoredPrevious uint32 `json:"authored_previous_session"`
	AuthoredSix      uint32 `json:"authored_six_sessions"`
	ParaSix          uint32 `json:"para_validator_six_sessions"`
}

// Snapshot is copied out of the processor after every block so readers never
// touch the trackers.
type Snapshot struct {
	Network          substrate.Network          `json:"network"`
	Block            uint64                     `json:"block"`
	BlockHash        string                     `json:"block_hash"`
	Era              uint32                     `json:"era"`
	Session          uint32                     `json:"session"`
	EraSessionIndex  uint32                     `json:"era_session_index"`
	Unresolved       uint64                     `json:"unresolved_authority_indices"`
	Validators       []ValidatorState           `json:"validators"`
	AuthorityRecords []window.EntryData[uint32] `json:"authority_records"`
	ParaRecords      []window.EntryData[bool]   `json:"para_records"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// Status outlives processor restarts and is read by the status server and
// the watchdog.
type Status struct {
	snapshot  atomic.Pointer[Snapshot]
	lastBlock atomic.Uint64
	restarts  atomic.Uint64
}

func NewStatus() *Status {
	return &Status{}
}

func (s *Status) Snapshot() (Snapshot, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// LastBlock is the last finalized block fully processed.
func (s *Status) LastBlock() uint64 {
	return s.lastBlock.Load()
}

func (s *Status) Restarts() uint64 {
	return s.restarts.Load()
}

// Publish replaces the current snapshot.
func (s *Status) Publish(snap Snapshot) {
	s.snapshot.Store(&snap)
	s.lastBlock.Store(snap.Block)
}
