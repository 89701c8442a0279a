package authority

import (
	"errors"
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AuthorityIndex is a validator's position in the session authority set.
type AuthorityIndex uint32

type DigestKind uint8

// SCALE variant tags of sp_runtime::DigestItem.
const (
	Other                     DigestKind = 0
	Consensus                 DigestKind = 4
	Seal                      DigestKind = 5
	PreRuntime                DigestKind = 6
	RuntimeEnvironmentUpdated DigestKind = 8
)

func (k DigestKind) String() string {
	switch k {
	case Other:
		return "Other"
	case Consensus:
		return "Consensus"
	case Seal:
		return "Seal"
	case PreRuntime:
		return "PreRuntime"
	case RuntimeEnvironmentUpdated:
		return "RuntimeEnvironmentUpdated"
	default:
		return fmt.Sprintf("DigestKind(%d)", uint8(k))
	}
}

type DigestItem struct {
	Kind     DigestKind
	EngineID [4]byte
	Payload  []byte
}

var errUnknownDigestItem = errors.New("unknown digest item")

type engineItem struct {
	EngineID [4]byte
	Data     []byte
}

// ParseDigestLogs decodes the hex encoded digest logs of a header. Items with
// a tag this package does not know are skipped.
func ParseDigestLogs(hexLogs []string) ([]DigestItem, error) {
	items := make([]DigestItem, 0, len(hexLogs))
	for i, h := range hexLogs {
		raw, err := hexutil.Decode(h)
		if err != nil {
			return nil, fmt.Errorf("digest log %d: %w", i, err)
		}
		item, err := parseDigestItem(raw)
		if errors.Is(err, errUnknownDigestItem) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("digest log %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func parseDigestItem(raw []byte) (DigestItem, error) {
	if len(raw) == 0 {
		return DigestItem{}, fmt.Errorf("empty digest item")
	}
	item := DigestItem{Kind: DigestKind(raw[0])}
	body := raw[1:]

	switch item.Kind {
	case PreRuntime, Consensus, Seal:
		var e engineItem
		if err := scale.Unmarshal(body, &e); err != nil {
			return DigestItem{}, fmt.Errorf("%s item: %w", item.Kind, err)
		}
		item.EngineID = e.EngineID
		item.Payload = e.Data
	case Other:
		if err := scale.Unmarshal(body, &item.Payload); err != nil {
			return DigestItem{}, fmt.Errorf("%s item: %w", item.Kind, err)
		}
	case RuntimeEnvironmentUpdated:
	default:
		return DigestItem{}, fmt.Errorf("%w: tag %d", errUnknownDigestItem, raw[0])
	}
	return item, nil
}

// BABE pre-digest variants and the payload size each must carry.
const (
	babePrimary        = 1
	babeSecondaryPlain = 2
	babeSecondaryVRF   = 3

	vrfSignatureLen = 32 + 64
)

var preDigestLen = map[byte]int{
	babePrimary:        4 + 8 + vrfSignatureLen,
	babeSecondaryPlain: 4 + 8,
	babeSecondaryVRF:   4 + 8 + vrfSignatureLen,
}

type preDigestHead struct {
	AuthorityIndex uint32
	Slot           uint64
}

// DecodeAuthorityIndex returns the block author index from the first
// pre-runtime digest. Later pre-runtime items are never consulted.
func DecodeAuthorityIndex(logs []DigestItem) (AuthorityIndex, bool) {
	for _, item := range logs {
		if item.Kind != PreRuntime {
			continue
		}
		return decodePreDigest(item.Payload)
	}
	return 0, false
}

func decodePreDigest(payload []byte) (AuthorityIndex, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	want, ok := preDigestLen[payload[0]]
	if !ok || len(payload)-1 < want {
		return 0, false
	}
	var head preDigestHead
	if err := scale.Unmarshal(payload[1:], &head); err != nil {
		return 0, false
	}
	return AuthorityIndex(head.AuthorityIndex), true
}
