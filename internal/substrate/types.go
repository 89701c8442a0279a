package substrate

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Header is the JSON form returned by chain_getHeader and head subscriptions.
type Header struct {
	ParentHash     string `json:"parentHash"`
	Number         string `json:"number"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
	Digest         struct {
		Logs []string `json:"logs"`
	} `json:"digest"`
}

func (h *Header) BlockNumber() (uint64, error) {
	n, err := hexutil.DecodeUint64(h.Number)
	if err != nil {
		return 0, fmt.Errorf("header number %q: %w", h.Number, err)
	}
	return n, nil
}

// Block is a finalized header paired with its hash.
type Block struct {
	Number uint64
	Hash   string
	Logs   []string
}

// Network holds chain name and token properties.
type Network struct {
	Name          string `json:"name"`
	SS58Format    uint16 `json:"ss58Format"`
	TokenSymbol   string `json:"tokenSymbol"`
	TokenDecimals uint8  `json:"tokenDecimals"`
}

type chainProperties struct {
	SS58Format    *uint16         `json:"ss58Format"`
	TokenSymbol   json.RawMessage `json:"tokenSymbol"`
	TokenDecimals json.RawMessage `json:"tokenDecimals"`
}

// firstOf accepts either a scalar or a list and returns the first element.
func firstOf[T any](raw json.RawMessage) (T, bool) {
	var zero T
	if len(raw) == 0 {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	var list []T
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0], true
	}
	return zero, false
}

// QueuedKey is a validator with the raw session keys it will use next session.
type QueuedKey struct {
	Stash AccountID
	Keys  []byte
}

func (q QueuedKey) KeysHex() string {
	return hexutil.Encode(q.Keys)
}

type RewardPoints struct {
	Who    AccountID
	Points uint32
}

// EraRewardPoints mirrors pallet_staking::EraRewardPoints.
type EraRewardPoints struct {
	Total      uint32
	Individual []RewardPoints
}

func (e EraRewardPoints) PointsOf(stash AccountID) uint32 {
	for _, p := range e.Individual {
		if p.Who == stash {
			return p.Points
		}
	}
	return 0
}

// Average is the mean of individual points, zero when nobody scored.
func (e EraRewardPoints) Average() uint32 {
	if len(e.Individual) == 0 {
		return 0
	}
	var sum uint64
	for _, p := range e.Individual {
		sum += uint64(p.Points)
	}
	return uint32(sum / uint64(len(e.Individual)))
}

type activeEraInfo struct {
	Index uint32
	Start *uint64
}

// Health is the system_health response.
type Health struct {
	Peers           uint64 `json:"peers"`
	IsSyncing       bool   `json:"isSyncing"`
	ShouldHavePeers bool   `json:"shouldHavePeers"`
}
