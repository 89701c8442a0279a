package substrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChainSafe/gossamer/pkg/scale"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrStorageNotFound is returned for optional storage items that hold no value.
var ErrStorageNotFound = errors.New("storage value not found")

// Client performs typed JSON-RPC reads against a Substrate node.
type Client struct {
	rpc     *rpc.Client
	timeout time.Duration

	mu     sync.Mutex
	events *eventRegistry
}

func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(raw, timeout), nil
}

func NewClient(raw *rpc.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{rpc: raw, timeout: timeout}
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("%s: %s", method, sanitizeRPCError(err))
	}
	return nil
}

// withAt appends the block hash argument when one is given.
func withAt(at string, args ...interface{}) []interface{} {
	if at != "" {
		args = append(args, at)
	}
	return args
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.call(ctx, &h, "system_health")
	return h, err
}

func (c *Client) Network(ctx context.Context) (Network, error) {
	var n Network
	if err := c.call(ctx, &n.Name, "system_chain"); err != nil {
		return n, err
	}
	var props chainProperties
	if err := c.call(ctx, &props, "system_properties"); err != nil {
		return n, err
	}
	if props.SS58Format != nil {
		n.SS58Format = *props.SS58Format
	}
	if sym, ok := firstOf[string](props.TokenSymbol); ok {
		n.TokenSymbol = sym
	}
	if dec, ok := firstOf[uint8](props.TokenDecimals); ok {
		n.TokenDecimals = dec
	}
	return n, nil
}

func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	var hash *string
	if err := c.call(ctx, &hash, "chain_getBlockHash", number); err != nil {
		return "", err
	}
	if hash == nil {
		return "", fmt.Errorf("block #%d: %w", number, ErrStorageNotFound)
	}
	return *hash, nil
}

func (c *Client) Header(ctx context.Context, hash string) (*Header, error) {
	var h *Header
	if err := c.call(ctx, &h, "chain_getHeader", withAt(hash)...); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("header %s: %w", hash, ErrStorageNotFound)
	}
	return h, nil
}

// BlockAt resolves a block number to its hash and header.
func (c *Client) BlockAt(ctx context.Context, number uint64) (Block, error) {
	hash, err := c.BlockHash(ctx, number)
	if err != nil {
		return Block{}, err
	}
	h, err := c.Header(ctx, hash)
	if err != nil {
		return Block{}, err
	}
	return Block{Number: number, Hash: hash, Logs: h.Digest.Logs}, nil
}

func (c *Client) FinalizedHead(ctx context.Context) (Block, error) {
	var hash string
	if err := c.call(ctx, &hash, "chain_getFinalizedHead"); err != nil {
		return Block{}, err
	}
	h, err := c.Header(ctx, hash)
	if err != nil {
		return Block{}, err
	}
	n, err := h.BlockNumber()
	if err != nil {
		return Block{}, err
	}
	return Block{Number: n, Hash: hash, Logs: h.Digest.Logs}, nil
}

// Storage returns the raw value under key at the given block, ErrStorageNotFound when empty.
func (c *Client) Storage(ctx context.Context, key []byte, at string) ([]byte, error) {
	var value *string
	if err := c.call(ctx, &value, "state_getStorage", withAt(at, HexKey(key))...); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrStorageNotFound
	}
	return hexutil.Decode(*value)
}

// decodeStorage reads and SCALE decodes a value. When the item is absent and
// defaultOK is set, dst is left at its zero value.
func (c *Client) decodeStorage(ctx context.Context, key []byte, at string, dst interface{}, defaultOK bool) error {
	raw, err := c.Storage(ctx, key, at)
	if errors.Is(err, ErrStorageNotFound) && defaultOK {
		return nil
	}
	if err != nil {
		return err
	}
	if err := scale.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode storage %s: %w", HexKey(key[:min(len(key), 32)]), err)
	}
	return nil
}

func (c *Client) SessionIndex(ctx context.Context, at string) (uint32, error) {
	var idx uint32
	err := c.decodeStorage(ctx, StorageKey("Session", "CurrentIndex"), at, &idx, true)
	return idx, err
}

func (c *Client) SessionValidators(ctx context.Context, at string) ([]AccountID, error) {
	var v []AccountID
	err := c.decodeStorage(ctx, StorageKey("Session", "Validators"), at, &v, true)
	return v, err
}

func (c *Client) QueuedChanged(ctx context.Context, at string) (bool, error) {
	var changed bool
	err := c.decodeStorage(ctx, StorageKey("Session", "QueuedChanged"), at, &changed, true)
	return changed, err
}

// QueuedKeys decodes Vec<(AccountId, SessionKeys)>. SessionKeys is runtime
// specific but fixed size, so its width is derived from the payload length.
func (c *Client) QueuedKeys(ctx context.Context, at string) ([]QueuedKey, error) {
	raw, err := c.Storage(ctx, StorageKey("Session", "QueuedKeys"), at)
	if errors.Is(err, ErrStorageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeQueuedKeys(raw)
}

func decodeQueuedKeys(raw []byte) ([]QueuedKey, error) {
	s := newStream(raw)
	n, err := s.length()
	if err != nil {
		return nil, fmt.Errorf("queued keys length: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if s.remaining()%n != 0 {
		return nil, fmt.Errorf("queued keys: %d bytes do not split into %d entries", s.remaining(), n)
	}
	width := s.remaining()/n - 32
	if width < 0 {
		return nil, fmt.Errorf("queued keys: entry too short")
	}

	out := make([]QueuedKey, 0, n)
	for i := 0; i < n; i++ {
		var stash AccountID
		if err := s.decode(&stash); err != nil {
			return nil, err
		}
		keys, err := s.bytes(width)
		if err != nil {
			return nil, err
		}
		out = append(out, QueuedKey{Stash: stash, Keys: keys})
	}
	return out, nil
}

func (c *Client) ActiveEra(ctx context.Context, at string) (uint32, error) {
	var info activeEraInfo
	if err := c.decodeStorage(ctx, StorageKey("Staking", "ActiveEra"), at, &info, false); err != nil {
		return 0, fmt.Errorf("active era: %w", err)
	}
	return info.Index, nil
}

func (c *Client) ErasStartSessionIndex(ctx context.Context, at string, era uint32) (uint32, error) {
	var idx uint32
	key := StorageKey("Staking", "ErasStartSessionIndex", Twox64Concat(u32LE(era)))
	if err := c.decodeStorage(ctx, key, at, &idx, false); err != nil {
		return 0, fmt.Errorf("era %d start session: %w", era, err)
	}
	return idx, nil
}

func (c *Client) ActiveValidatorIndices(ctx context.Context, at string) ([]uint32, error) {
	var v []uint32
	err := c.decodeStorage(ctx, StorageKey("ParasShared", "ActiveValidatorIndices"), at, &v, true)
	return v, err
}

func (c *Client) AuthoredBlocks(ctx context.Context, at string, session uint32, stash AccountID) (uint32, error) {
	var n uint32
	key := StorageKey("ImOnline", "AuthoredBlocks", Twox64Concat(u32LE(session)), Twox64Concat(stash[:]))
	err := c.decodeStorage(ctx, key, at, &n, true)
	return n, err
}

func (c *Client) ErasRewardPoints(ctx context.Context, at string, era uint32) (EraRewardPoints, error) {
	var pts EraRewardPoints
	key := StorageKey("Staking", "ErasRewardPoints", Twox64Concat(u32LE(era)))
	err := c.decodeStorage(ctx, key, at, &pts, true)
	return pts, err
}

// IdentityOf returns the display name of a registered identity.
func (c *Client) IdentityOf(ctx context.Context, at string, who AccountID) (string, bool, error) {
	raw, err := c.Storage(ctx, StorageKey("Identity", "IdentityOf", Twox64Concat(who[:])), at)
	if errors.Is(err, ErrStorageNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	name, err := decodeRegistrationDisplay(raw)
	if err != nil {
		return "", false, fmt.Errorf("identity of %s: %w", who, err)
	}
	return name, true, nil
}

// SuperOf returns the parent account and the sub-identity name.
func (c *Client) SuperOf(ctx context.Context, at string, who AccountID) (AccountID, string, bool, error) {
	raw, err := c.Storage(ctx, StorageKey("Identity", "SuperOf", Blake2128Concat(who[:])), at)
	if errors.Is(err, ErrStorageNotFound) {
		return AccountID{}, "", false, nil
	}
	if err != nil {
		return AccountID{}, "", false, err
	}
	st := newStream(raw)
	var parent AccountID
	if err := st.decode(&parent); err != nil {
		return AccountID{}, "", false, err
	}
	sub, err := st.data()
	if err != nil {
		return AccountID{}, "", false, err
	}
	return parent, sub, true, nil
}

// decodeRegistrationDisplay walks Registration{judgements, deposit, info} up to info.display.
func decodeRegistrationDisplay(raw []byte) (string, error) {
	s := newStream(raw)
	n, err := s.length()
	if err != nil {
		return "", err
	}
	for i := 0; i < n; i++ {
		var (
			registrar uint32
			judgement byte
		)
		if err := s.decode(&registrar, &judgement); err != nil {
			return "", err
		}
		// FeePaid(Balance)
		if judgement == 1 {
			var fee [16]byte
			if err := s.decode(&fee); err != nil {
				return "", err
			}
		}
	}
	var deposit [16]byte
	if err := s.decode(&deposit); err != nil {
		return "", err
	}
	additional, err := s.length()
	if err != nil {
		return "", err
	}
	for i := 0; i < additional; i++ {
		if _, err := s.data(); err != nil {
			return "", err
		}
		if _, err := s.data(); err != nil {
			return "", err
		}
	}
	return s.data()
}
