package processor

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecca.io/scout-watchtower/internal/alerts"
	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/hooks"
	"lecca.io/scout-watchtower/internal/metrics"
	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/ws"
)

var (
	stashA = substrate.AccountID{1}
	stashB = substrate.AccountID{2}
	other  = substrate.AccountID{9}
)

type fakeChain struct {
	network       substrate.Network
	head          uint64
	session       uint32
	era           uint32
	eraStart      uint32
	queuedChanged bool
	validators    []substrate.AccountID
	queued        []substrate.QueuedKey
	paraIndices   []uint32
	authored      map[substrate.AccountID]uint32
	points        map[uint32]substrate.EraRewardPoints
	identities    map[substrate.AccountID]string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		network:     substrate.Network{Name: "Polkadot", SS58Format: 0, TokenSymbol: "DOT", TokenDecimals: 10},
		head:        100,
		session:     10,
		era:         2,
		eraStart:    8,
		validators:  []substrate.AccountID{stashA, other},
		queued:      []substrate.QueuedKey{{Stash: stashA, Keys: []byte{0x01, 0x02}}},
		paraIndices: []uint32{0},
		authored:    map[substrate.AccountID]uint32{stashA: 4},
		points: map[uint32]substrate.EraRewardPoints{
			1: {Total: 80, Individual: []substrate.RewardPoints{{Who: stashA, Points: 60}, {Who: other, Points: 20}}},
			2: {Total: 40, Individual: []substrate.RewardPoints{{Who: stashA, Points: 30}, {Who: other, Points: 10}}},
		},
		identities: map[substrate.AccountID]string{stashA: "alice"},
	}
}

func (c *fakeChain) Network(context.Context) (substrate.Network, error) { return c.network, nil }

func (c *fakeChain) FinalizedHead(context.Context) (substrate.Block, error) {
	return substrate.Block{Number: c.head, Hash: "0xhead"}, nil
}

func (c *fakeChain) SessionIndex(context.Context, string) (uint32, error) { return c.session, nil }

func (c *fakeChain) SessionValidators(context.Context, string) ([]substrate.AccountID, error) {
	return c.validators, nil
}

func (c *fakeChain) QueuedChanged(context.Context, string) (bool, error) { return c.queuedChanged, nil }

func (c *fakeChain) QueuedKeys(context.Context, string) ([]substrate.QueuedKey, error) {
	return c.queued, nil
}

func (c *fakeChain) ActiveEra(context.Context, string) (uint32, error) { return c.era, nil }

func (c *fakeChain) ErasStartSessionIndex(context.Context, string, uint32) (uint32, error) {
	return c.eraStart, nil
}

func (c *fakeChain) ActiveValidatorIndices(context.Context, string) ([]uint32, error) {
	return c.paraIndices, nil
}

func (c *fakeChain) AuthoredBlocks(_ context.Context, _ string, _ uint32, stash substrate.AccountID) (uint32, error) {
	return c.authored[stash], nil
}

func (c *fakeChain) ErasRewardPoints(_ context.Context, _ string, era uint32) (substrate.EraRewardPoints, error) {
	return c.points[era], nil
}

func (c *fakeChain) IdentityOf(_ context.Context, _ string, who substrate.AccountID) (string, bool, error) {
	name, ok := c.identities[who]
	return name, ok, nil
}

func (c *fakeChain) SuperOf(context.Context, string, substrate.AccountID) (substrate.AccountID, string, bool, error) {
	return substrate.AccountID{}, "", false, nil
}

// flakyChain fails ActiveValidatorIndices the given number of times.
type flakyChain struct {
	*fakeChain
	failures int
}

func (c *flakyChain) ActiveValidatorIndices(ctx context.Context, at string) ([]uint32, error) {
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("boom")
	}
	return c.fakeChain.ActiveValidatorIndices(ctx, at)
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []alerts.Message
}

func (c *captureNotifier) Notify(_ context.Context, m alerts.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureNotifier) kinds() []alerts.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Kind
	for _, m := range c.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fakeEvents map[uint64]BlockEvents

func (f fakeEvents) Events(_ context.Context, b substrate.Block) (BlockEvents, error) {
	return f[b.Number], nil
}

type failingEvents map[uint64]bool

func (f failingEvents) Events(_ context.Context, b substrate.Block) (BlockEvents, error) {
	if f[b.Number] {
		return BlockEvents{}, errors.New("events unavailable")
	}
	return BlockEvents{}, nil
}

// babeLog encodes a BABE SecondaryPlain pre-runtime digest for authority index.
func babeLog(index uint32) string {
	raw := []byte{6, 'B', 'A', 'B', 'E', 13 << 2, 2}
	raw = binary.LittleEndian.AppendUint32(raw, index)
	raw = binary.LittleEndian.AppendUint64(raw, 1000)
	return hexutil.Encode(raw)
}

func block(n uint64, author uint32) substrate.Block {
	return substrate.Block{Number: n, Hash: "0xblock", Logs: []string{babeLog(author)}}
}

func writeHooks(t *testing.T) (config.HooksConfig, string) {
	dir := t.TempDir()
	write := func(name string) string {
		path := filepath.Join(dir, name+".sh")
		script := "#!/bin/sh\necho \"$@\" >> " + filepath.Join(dir, name+".log") + "\n"
		require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
		return path
	}
	return config.HooksConfig{
		Init:                           write("init"),
		NewSession:                     write("new_session"),
		NewEra:                         write("new_era"),
		ValidatorStartsActiveNextEra:   write("starts_active"),
		ValidatorStartsInactiveNextEra: write("starts_inactive"),
		ValidatorSlashed:               write("slashed"),
		ValidatorChilled:               write("chilled"),
		ValidatorOffline:               write("offline"),
		ReferendaSubmitted:             write("referenda"),
	}, dir
}

func hookCalls(t *testing.T, dir, name string) [][]string {
	data, err := os.ReadFile(filepath.Join(dir, name+".log"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out [][]string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		out = append(out, strings.Fields(line))
	}
	return out
}

func testConfig(hooksCfg config.HooksConfig) *config.Config {
	cfg := &config.Config{
		Chain:  config.ChainConfig{Stashes: []string{stashA.SS58(0), stashB.SS58(0)}},
		Hooks:  hooksCfg,
		Expose: config.ExposeConfig{All: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

type fixture struct {
	chain    *fakeChain
	notifier *captureNotifier
	status   *Status
	proc     *Processor
	hookDir  string
}

func newFixture(t *testing.T, events EventSource) *fixture {
	hooksCfg, dir := writeHooks(t)
	f := &fixture{
		chain:    newFakeChain(),
		notifier: &captureNotifier{},
		status:   NewStatus(),
		hookDir:  dir,
	}
	exporter := metrics.NewExporter("test", prometheus.NewRegistry(), nil)
	f.proc = NewProcessor(testConfig(hooksCfg), f.chain, events, hooks.NewRunner(5*time.Second), f.notifier, exporter, f.status)
	return f
}

func (f *fixture) validator(t *testing.T, stash substrate.AccountID) ValidatorState {
	snap, ok := f.status.Snapshot()
	require.True(t, ok)
	for _, v := range snap.Validators {
		if v.Stash == stash.SS58(0) {
			return v
		}
	}
	t.Fatalf("stash %s not in snapshot", stash.SS58(0))
	return ValidatorState{}
}

func dashes(n int) []string {
	return placeholders(n)
}

func TestInitSeedsTrackersAndRunsInitHook(t *testing.T) {
	f := newFixture(t, nil)

	from, err := f.proc.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), from)

	calls := hookCalls(t, f.hookDir, "init")
	require.Len(t, calls, 2)

	net := []string{"Polkadot", "DOT", "10"}
	want := append([]string{stashA.SS58(0), "alice", "0x0102", "true", "true", "2", "10", "3", "100"}, net...)
	want = append(want, dashes(5)...)
	want = append(want, "4", "-")
	want = append(want, dashes(2)...)
	want = append(want, "true", "-")
	want = append(want, "60", "40")
	assert.Equal(t, want, calls[0])

	want = append([]string{stashB.SS58(0), stashB.Short(0), "0x", "false", "false", "2", "10", "3", "100"}, net...)
	want = append(want, dashes(13)...)
	assert.Equal(t, want, calls[1])

	assert.Equal(t, []alerts.Kind{alerts.KindInit}, f.notifier.kinds())

	snap, ok := f.status.Snapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(100), snap.Block)
	assert.Equal(t, uint32(10), snap.Session)
	assert.Equal(t, uint32(3), snap.EraSessionIndex)
	assert.Equal(t, uint32(4), f.validator(t, stashA).AuthoredCurrent)
	assert.True(t, f.validator(t, stashA).ParaValidator)
	assert.Equal(t, uint64(100), f.status.LastBlock())
}

func TestInitWithoutExposeUsesPlaceholders(t *testing.T) {
	f := newFixture(t, nil)
	f.proc.cfg.Expose = config.ExposeConfig{}

	_, err := f.proc.Init(context.Background())
	require.NoError(t, err)

	calls := hookCalls(t, f.hookDir, "init")
	require.Len(t, calls, 2)
	want := []string{stashA.SS58(0), "alice", "0x0102", "true", "true", "2", "10", "3", "100"}
	want = append(want, dashes(16)...)
	assert.Equal(t, want, calls[0])
}

func TestProcessBlockAttributesAuthors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	require.NoError(t, f.proc.ProcessBlock(ctx, block(101, 0)))
	require.NoError(t, f.proc.ProcessBlock(ctx, block(102, 1)))
	require.NoError(t, f.proc.ProcessBlock(ctx, block(103, 5)))
	// repeated delivery is not counted twice
	require.NoError(t, f.proc.ProcessBlock(ctx, block(103, 5)))

	assert.Equal(t, uint32(5), f.validator(t, stashA).AuthoredCurrent)
	snap, _ := f.status.Snapshot()
	assert.Equal(t, uint64(1), snap.Unresolved)
	assert.Equal(t, uint64(103), f.status.LastBlock())
	assert.Empty(t, hookCalls(t, f.hookDir, "new_session"))
}

func TestProcessBlockSurvivesBadDigest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	require.NoError(t, f.proc.ProcessBlock(ctx, substrate.Block{Number: 101, Logs: []string{"0xzz"}}))
	require.NoError(t, f.proc.ProcessBlock(ctx, substrate.Block{Number: 102}))
	assert.Equal(t, uint64(102), f.status.LastBlock())
	assert.Equal(t, uint32(4), f.validator(t, stashA).AuthoredCurrent)
	snap, _ := f.status.Snapshot()
	assert.Zero(t, snap.Unresolved)
}

func TestNewEraRunsSessionAndEraHooks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	f.chain.session = 11
	f.chain.era = 3
	f.chain.eraStart = 11
	require.NoError(t, f.proc.ProcessBlock(ctx, block(101, 0)))

	net := []string{"Polkadot", "DOT", "10"}
	want := append([]string{stashA.SS58(0), "alice", "0x0102", "true", "true", "3", "11", "1", "101"}, net...)
	want = append(want, dashes(5)...)
	want = append(want, "4", "4")
	want = append(want, dashes(2)...)
	want = append(want, "true", "1")

	sessionCalls := hookCalls(t, f.hookDir, "new_session")
	require.Len(t, sessionCalls, 2)
	assert.Equal(t, want, sessionCalls[0])

	eraCalls := hookCalls(t, f.hookDir, "new_era")
	require.Len(t, eraCalls, 2)
	assert.Equal(t, append(want, "30", "20"), eraCalls[0])

	assert.Equal(t, []alerts.Kind{alerts.KindInit, alerts.KindSession}, f.notifier.kinds())

	v := f.validator(t, stashA)
	assert.Equal(t, uint32(1), v.AuthoredCurrent)
	assert.Equal(t, uint32(4), v.AuthoredPrevious)
	assert.Equal(t, uint32(1), v.ParaSix)
}

func TestSessionInsideEraSkipsEraHook(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	f.chain.session = 11
	require.NoError(t, f.proc.ProcessBlock(ctx, block(101, 0)))

	assert.Len(t, hookCalls(t, f.hookDir, "new_session"), 2)
	assert.Empty(t, hookCalls(t, f.hookDir, "new_era"))
	snap, _ := f.status.Snapshot()
	assert.Equal(t, uint32(4), snap.EraSessionIndex)
}

func TestFailedSessionBoundaryIsRetriedOnNextBlock(t *testing.T) {
	f := newFixture(t, nil)
	flaky := &flakyChain{fakeChain: f.chain}
	f.proc.chain = flaky
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	f.chain.session = 11
	flaky.failures = 1
	require.Error(t, f.proc.ProcessBlock(ctx, block(101, 0)))

	// nothing moved
	assert.Equal(t, uint32(10), f.proc.authority.CurrentSession())
	assert.Equal(t, uint32(10), f.proc.para.CurrentSession())
	assert.Equal(t, uint64(100), f.status.LastBlock())
	assert.Empty(t, hookCalls(t, f.hookDir, "new_session"))

	require.NoError(t, f.proc.ProcessBlock(ctx, block(102, 0)))
	assert.Equal(t, uint32(11), f.proc.authority.CurrentSession())
	assert.Equal(t, uint32(11), f.proc.para.CurrentSession())

	v := f.validator(t, stashA)
	assert.Equal(t, uint32(2), v.AuthoredCurrent, "the failed boundary block still counts")
	assert.Equal(t, uint32(4), v.AuthoredPrevious)

	calls := hookCalls(t, f.hookDir, "new_session")
	require.Len(t, calls, 2)
	assert.Equal(t, "101", calls[0][8], "the boundary is the first block of the session")
	assert.Equal(t, []alerts.Kind{alerts.KindInit, alerts.KindSession}, f.notifier.kinds())
}

func TestFailedBlockInsideSessionKeepsAuthor(t *testing.T) {
	f := newFixture(t, failingEvents{101: true})
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	require.Error(t, f.proc.ProcessBlock(ctx, block(101, 0)))
	require.NoError(t, f.proc.ProcessBlock(ctx, block(102, 1)))

	assert.Equal(t, uint32(5), f.validator(t, stashA).AuthoredCurrent)
	assert.Equal(t, uint64(102), f.status.LastBlock())
}

func TestNextEraActivityHooks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	f.chain.session = 13
	f.chain.queuedChanged = true
	f.chain.queued = []substrate.QueuedKey{{Stash: stashB, Keys: []byte{0xaa}}}
	require.NoError(t, f.proc.ProcessBlock(ctx, block(101, 0)))

	net := []string{"Polkadot", "DOT", "10"}
	inactive := hookCalls(t, f.hookDir, "starts_inactive")
	require.Len(t, inactive, 1)
	assert.Equal(t, append([]string{stashA.SS58(0), "alice", "0x", "3", "14"}, net...), inactive[0])

	active := hookCalls(t, f.hookDir, "starts_active")
	require.Len(t, active, 1)
	assert.Equal(t, append([]string{stashB.SS58(0), stashB.Short(0), "0xaa", "3", "14"}, net...), active[0])
}

func TestNextEraHooksNeedQueuedChange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)

	f.chain.session = 13
	f.chain.queued = []substrate.QueuedKey{{Stash: stashB, Keys: []byte{0xaa}}}
	require.NoError(t, f.proc.ProcessBlock(ctx, block(101, 0)))

	assert.Empty(t, hookCalls(t, f.hookDir, "starts_inactive"))
	assert.Empty(t, hookCalls(t, f.hookDir, "starts_active"))
}

func TestEventHooks(t *testing.T) {
	f := newFixture(t, fakeEvents{
		101: {
			Slashed:   []Slash{{Stash: other, Amount: big.NewInt(1000)}},
			Chilled:   []substrate.AccountID{stashA, other},
			Offline:   []substrate.AccountID{stashA},
			Referenda: []Referendum{{Index: 7, Track: 2}},
		},
	})
	ctx := context.Background()
	_, err := f.proc.Init(ctx)
	require.NoError(t, err)
	require.NoError(t, f.proc.ProcessBlock(ctx, block(101, 0)))

	net := []string{"Polkadot", "DOT", "10"}
	assert.Equal(t, [][]string{append([]string{other.SS58(0), "1000"}, net...)},
		hookCalls(t, f.hookDir, "slashed"))

	// only watched stashes are reported for chills and offences
	watched := append([]string{stashA.SS58(0), "alice", "0x0102", "true", "true"}, net...)
	assert.Equal(t, [][]string{watched}, hookCalls(t, f.hookDir, "chilled"))
	assert.Equal(t, [][]string{watched}, hookCalls(t, f.hookDir, "offline"))

	assert.Equal(t, [][]string{append([]string{"7", "2"}, net...)}, hookCalls(t, f.hookDir, "referenda"))

	assert.Equal(t, []alerts.Kind{
		alerts.KindInit, alerts.KindSlash, alerts.KindChill, alerts.KindOffline, alerts.KindReferendum,
	}, f.notifier.kinds())
}

type fakeStream struct {
	blocks []substrate.Block
	err    error
}

func (s fakeStream) Run(ctx context.Context, _ uint64, out chan<- substrate.Block) error {
	for _, b := range s.blocks {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func runSupervisor(t *testing.T, sup *Supervisor) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSupervisorHoldsAndRestartsOnError(t *testing.T) {
	chain := newFakeChain()
	var dials atomic.Int32
	dial := func(context.Context) (Backend, error) {
		if dials.Add(1) == 1 {
			return Backend{Chain: chain, Stream: fakeStream{
				blocks: []substrate.Block{block(101, 0), block(102, 0)},
				err:    errors.New("connection reset"),
			}}, nil
		}
		chain.head = 102
		return Backend{Chain: chain, Stream: fakeStream{}}, nil
	}

	n := &captureNotifier{}
	status := NewStatus()
	sup := NewSupervisor(testConfig(config.HooksConfig{}), dial, hooks.NewRunner(time.Second), n, nil, status)
	sup.errorInterval = 10 * time.Millisecond

	cancel, done := runSupervisor(t, sup)

	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && status.Restarts() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(102), status.LastBlock())
	assert.Contains(t, n.kinds(), alerts.KindOnHold)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorResubscribesWithoutHold(t *testing.T) {
	chain := newFakeChain()
	var dials atomic.Int32
	dial := func(context.Context) (Backend, error) {
		if dials.Add(1) == 1 {
			return Backend{Chain: chain, Stream: fakeStream{err: ws.ErrSubscriptionFinished}}, nil
		}
		return Backend{Chain: chain, Stream: fakeStream{}}, nil
	}

	n := &captureNotifier{}
	status := NewStatus()
	sup := NewSupervisor(testConfig(config.HooksConfig{}), dial, hooks.NewRunner(time.Second), n, nil, status)
	sup.retryDelay = time.Millisecond
	sup.errorInterval = time.Hour

	cancel, done := runSupervisor(t, sup)

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, n.kinds(), alerts.KindOnHold)

	cancel()
	<-done
}
