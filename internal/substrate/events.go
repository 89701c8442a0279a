package substrate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

// Event is one runtime event of a block, decoded against the chain metadata.
// Name is "<Pallet>.<Variant>", Fields hold the decoded values in order.
type Event struct {
	Name   string
	Fields []any
}

type runtimeVersion struct {
	SpecVersion uint32 `json:"specVersion"`
}

// eventRegistry is cached per runtime spec version.
type eventRegistry struct {
	spec     uint32
	registry registry.EventRegistry
}

// Events decodes System.Events at the given block.
func (c *Client) Events(ctx context.Context, at string) ([]Event, error) {
	raw, err := c.Storage(ctx, StorageKey("System", "Events"), at)
	if errors.Is(err, ErrStorageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	reg, err := c.eventRegistry(ctx, at)
	if err != nil {
		return nil, err
	}
	return DecodeEvents(reg, raw)
}

func (c *Client) eventRegistry(ctx context.Context, at string) (registry.EventRegistry, error) {
	var version runtimeVersion
	if err := c.call(ctx, &version, "state_getRuntimeVersion", withAt(at)...); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached := c.events
	c.mu.Unlock()
	if cached != nil && cached.spec == version.SpecVersion {
		return cached.registry, nil
	}

	var metadata string
	if err := c.call(ctx, &metadata, "state_getMetadata", withAt(at)...); err != nil {
		return nil, err
	}
	reg, err := NewEventRegistry(metadata)
	if err != nil {
		return nil, fmt.Errorf("runtime %d: %w", version.SpecVersion, err)
	}

	c.mu.Lock()
	c.events = &eventRegistry{spec: version.SpecVersion, registry: reg}
	c.mu.Unlock()
	return reg, nil
}

// NewEventRegistry builds the event decoders from hex encoded runtime metadata.
func NewEventRegistry(metadataHex string) (registry.EventRegistry, error) {
	var meta types.Metadata
	if err := codec.DecodeFromHex(metadataHex, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	reg, err := registry.NewFactory().CreateEventRegistry(&meta)
	if err != nil {
		return nil, fmt.Errorf("event registry: %w", err)
	}
	return reg, nil
}

// DecodeEvents parses the raw System.Events value.
func DecodeEvents(reg registry.EventRegistry, raw []byte) ([]Event, error) {
	data := types.StorageDataRaw(raw)
	parsed, err := parser.NewEventParser().ParseEvents(reg, &data)
	if err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	out := make([]Event, 0, len(parsed))
	for _, e := range parsed {
		fields := make([]any, 0, len(e.Fields))
		for _, f := range e.Fields {
			fields = append(fields, f.Value)
		}
		out = append(out, Event{Name: e.Name, Fields: fields})
	}
	return out, nil
}

// AccountOf reads a 32 byte account from a decoded field value. Accounts
// arrive as byte arrays, slices of decoded u8 values or single field
// composites wrapping either.
func AccountOf(v any) (AccountID, bool) {
	var id AccountID
	if fields, ok := v.(registry.DecodedFields); ok {
		if len(fields) != 1 {
			return id, false
		}
		return AccountOf(fields[0].Value)
	}
	b, ok := bytesOf(v)
	if !ok || len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// AccountsOf collects the first account of every element of a decoded
// sequence, e.g. the validators of Vec<(AccountId, Exposure)>.
func AccountsOf(v any) []AccountID {
	if fields, ok := v.(registry.DecodedFields); ok && len(fields) == 1 {
		return AccountsOf(fields[0].Value)
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []AccountID
	for _, item := range items {
		if id, ok := firstAccount(item); ok {
			out = append(out, id)
		}
	}
	return out
}

func firstAccount(v any) (AccountID, bool) {
	if id, ok := AccountOf(v); ok {
		return id, true
	}
	switch t := v.(type) {
	case registry.DecodedFields:
		for _, f := range t {
			if id, ok := firstAccount(f.Value); ok {
				return id, true
			}
		}
	case []any:
		for _, item := range t {
			if id, ok := firstAccount(item); ok {
				return id, true
			}
		}
	}
	return AccountID{}, false
}

// BigIntOf reads an unsigned integer of any width from a decoded field value.
func BigIntOf(v any) (*big.Int, bool) {
	switch t := v.(type) {
	case registry.DecodedFields:
		if len(t) != 1 {
			return nil, false
		}
		return BigIntOf(t[0].Value)
	case types.U128:
		if t.Int == nil {
			return nil, false
		}
		return new(big.Int).Set(t.Int), true
	case types.U256:
		if t.Int == nil {
			return nil, false
		}
		return new(big.Int).Set(t.Int), true
	case types.UCompact:
		return new(big.Int).Set((*big.Int)(&t)), true
	case *big.Int:
		if t == nil {
			return nil, false
		}
		return new(big.Int).Set(t), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return new(big.Int).SetUint64(rv.Uint()), true
	}
	return nil, false
}

// bytesOf flattens byte arrays and slices, including []any of u8 values.
func bytesOf(v any) ([]byte, bool) {
	if items, ok := v.([]any); ok {
		out := make([]byte, 0, len(items))
		for _, item := range items {
			rv := reflect.ValueOf(item)
			if rv.Kind() != reflect.Uint8 {
				return nil, false
			}
			out = append(out, byte(rv.Uint()))
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array && rv.Kind() != reflect.Slice {
		return nil, false
	}
	if rv.Type().Elem().Kind() != reflect.Uint8 {
		return nil, false
	}
	out := make([]byte, rv.Len())
	for i := range out {
		out[i] = byte(rv.Index(i).Uint())
	}
	return out, true
}
