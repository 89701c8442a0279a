package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/substrate"
)

// ErrSubscriptionFinished is returned when the node closes the finalized
// heads stream. Callers rebuild their state and subscribe again.
var ErrSubscriptionFinished = errors.New("finalized heads subscription finished")

// BlockFetcher resolves block numbers for heads the stream skipped, and the
// hash of the heads it did carry.
type BlockFetcher interface {
	BlockAt(ctx context.Context, number uint64) (substrate.Block, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
}

// HeightSink receives every head number seen on the socket.
type HeightSink interface {
	UpdateHeight(height uint64)
}

type rpcRequest struct {
	ID      int           `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	Subscription string           `json:"subscription"`
	Result       substrate.Header `json:"result"`
}

type rpcMessage struct {
	ID     *int             `json:"id"`
	Result json.RawMessage  `json:"result"`
	Error  *rpcError        `json:"error"`
	Method string           `json:"method"`
	Params *rpcNotification `json:"params"`
}

// Listener follows chain_subscribeFinalizedHeads and hands blocks to the
// processor in ascending order. Heads skipped by the node are fetched by
// number so every finalized block is delivered once. Notified heads reuse
// the header they arrived with.
type Listener struct {
	url     string
	fetcher BlockFetcher
	height  HeightSink
	dialer  *websocket.Dialer

	mu   sync.Mutex
	last uint64
}

func NewListener(url string, fetcher BlockFetcher, height HeightSink) *Listener {
	return &Listener{
		url:     url,
		fetcher: fetcher,
		height:  height,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Run delivers every finalized block above from until the socket closes or
// ctx is cancelled.
func (l *Listener) Run(ctx context.Context, from uint64, out chan<- substrate.Block) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = conn.WriteJSON(rpcRequest{
		ID:      1,
		JSONRPC: "2.0",
		Method:  "chain_subscribeFinalizedHeads",
		Params:  []interface{}{},
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	l.mu.Lock()
	l.last = from
	l.mu.Unlock()

	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("WS", "Finalized heads stream from %s closed: %v", l.url, err)
			return ErrSubscriptionFinished
		}

		switch {
		case msg.Error != nil:
			return fmt.Errorf("subscribe: %d %s", msg.Error.Code, msg.Error.Message)
		case msg.ID != nil:
			var id string
			_ = json.Unmarshal(msg.Result, &id)
			logger.Info("WS", "Subscribed to finalized heads via %s (%s)", l.url, id)
		case msg.Method == "chain_finalizedHead" && msg.Params != nil:
			if err := l.deliver(ctx, &msg.Params.Result, out); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) deliver(ctx context.Context, head *substrate.Header, out chan<- substrate.Block) error {
	number, err := head.BlockNumber()
	if err != nil {
		logger.Warn("WS", "Skipping head: %v", err)
		return nil
	}
	if l.height != nil {
		l.height.UpdateHeight(number)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if number <= l.last {
		return nil
	}
	if gap := number - l.last - 1; gap > 0 {
		logger.Debug("WS", "Filling %d missed finalized blocks before #%d", gap, number)
	}

	for n := l.last + 1; n < number; n++ {
		b, err := l.fetcher.BlockAt(ctx, n)
		if err != nil {
			return fmt.Errorf("fetch block #%d: %w", n, err)
		}
		if err := l.send(ctx, b, out); err != nil {
			return err
		}
	}

	hash, err := l.fetcher.BlockHash(ctx, number)
	if err != nil {
		return fmt.Errorf("hash of block #%d: %w", number, err)
	}
	return l.send(ctx, substrate.Block{Number: number, Hash: hash, Logs: head.Digest.Logs}, out)
}

func (l *Listener) send(ctx context.Context, b substrate.Block, out chan<- substrate.Block) error {
	select {
	case out <- b:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.last = b.Number
	return nil
}
