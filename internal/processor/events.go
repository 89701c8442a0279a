package processor

import (
	"context"
	"math/big"

	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/substrate"
)

// Slash is a staking Slashed event.
type Slash struct {
	Stash  substrate.AccountID
	Amount *big.Int
}

// Referendum is a referenda Submitted event.
type Referendum struct {
	Index uint32
	Track uint16
}

// BlockEvents are the runtime events the watchtower reacts to in one block.
type BlockEvents struct {
	Slashed   []Slash
	Chilled   []substrate.AccountID
	Offline   []substrate.AccountID
	Referenda []Referendum
}

func (e BlockEvents) Empty() bool {
	return len(e.Slashed) == 0 && len(e.Chilled) == 0 && len(e.Offline) == 0 && len(e.Referenda) == 0
}

// EventSource decodes the events of a finalized block.
type EventSource interface {
	Events(ctx context.Context, block substrate.Block) (BlockEvents, error)
}

// EventReader returns the decoded runtime events of a block.
// *substrate.Client implements it.
type EventReader interface {
	Events(ctx context.Context, at string) ([]substrate.Event, error)
}

// ChainEventSource reads System.Events at each block and keeps the staking,
// im-online and governance events the hooks react to.
type ChainEventSource struct {
	reader EventReader
}

func NewChainEventSource(reader EventReader) *ChainEventSource {
	return &ChainEventSource{reader: reader}
}

func (s *ChainEventSource) Events(ctx context.Context, block substrate.Block) (BlockEvents, error) {
	events, err := s.reader.Events(ctx, block.Hash)
	if err != nil {
		return BlockEvents{}, err
	}
	return matchEvents(block.Number, events), nil
}

func matchEvents(number uint64, events []substrate.Event) BlockEvents {
	var out BlockEvents
	for _, e := range events {
		switch e.Name {
		case "Staking.Slashed":
			if len(e.Fields) < 2 {
				break
			}
			stash, ok := substrate.AccountOf(e.Fields[0])
			if !ok {
				logger.Warn("EVENT", "Block #%d: %s without a staker", number, e.Name)
				break
			}
			amount, _ := substrate.BigIntOf(e.Fields[1])
			out.Slashed = append(out.Slashed, Slash{Stash: stash, Amount: amount})
		case "Staking.Chilled":
			if len(e.Fields) == 0 {
				break
			}
			if stash, ok := substrate.AccountOf(e.Fields[0]); ok {
				out.Chilled = append(out.Chilled, stash)
			}
		case "ImOnline.SomeOffline":
			if len(e.Fields) == 0 {
				break
			}
			out.Offline = append(out.Offline, substrate.AccountsOf(e.Fields[0])...)
		case "Referenda.Submitted", "Democracy.Started":
			if len(e.Fields) == 0 {
				break
			}
			index, ok := substrate.BigIntOf(e.Fields[0])
			if !ok || !index.IsUint64() {
				logger.Warn("EVENT", "Block #%d: %s without an index", number, e.Name)
				break
			}
			ref := Referendum{Index: uint32(index.Uint64())}
			// democracy has a single track
			if e.Name == "Referenda.Submitted" && len(e.Fields) > 1 {
				if track, ok := substrate.BigIntOf(e.Fields[1]); ok && track.IsUint64() {
					ref.Track = uint16(track.Uint64())
				}
			}
			out.Referenda = append(out.Referenda, ref)
		}
	}
	return out
}

type noEvents struct{}

func (noEvents) Events(context.Context, substrate.Block) (BlockEvents, error) {
	return BlockEvents{}, nil
}
