package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lecca.io/scout-watchtower/internal/substrate"
)

// NodeSource exposes the node health view kept by substrate.Manager.
type NodeSource interface {
	GetNodes() []*substrate.Node
}

// StashStats are the per stash values published after each processed block.
type StashStats struct {
	Stash            string
	Name             string
	Active           bool
	ParaValidator    bool
	AuthoredCurrent  uint32
	AuthoredPrevious uint32
	AuthoredSix      uint32
	ParaSix          uint32
}

type Exporter struct {
	metricsPrefix string
	nodeMgr       NodeSource

	mu    sync.RWMutex
	chain string

	authoredCurrent  *prometheus.GaugeVec
	authoredPrevious *prometheus.GaugeVec
	authoredSix      *prometheus.GaugeVec
	paraValidator    *prometheus.GaugeVec
	paraSix          *prometheus.GaugeVec
	active           *prometheus.GaugeVec
	sessionIndex     *prometheus.GaugeVec
	eraIndex         *prometheus.GaugeVec
	lastBlock        *prometheus.GaugeVec
	hookRuns         *prometheus.CounterVec
	unresolved       *prometheus.CounterVec
	nodeHeight       *prometheus.GaugeVec
	nodeUp           *prometheus.GaugeVec
	nodeSyncing      *prometheus.GaugeVec
	nodePeers        *prometheus.GaugeVec
	nodeLastCheck    *prometheus.GaugeVec
}

// NewExporter registers the watchtower collectors on reg, or on the default
// registry when reg is nil.
func NewExporter(prefix string, reg prometheus.Registerer, nodeMgr NodeSource) *Exporter {
	if prefix == "" {
		prefix = "scout"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	stashLabels := []string{"chain", "stash", "name"}
	chainLabels := []string{"chain"}
	nodeLabels := []string{"chain", "label", "ws_url"}

	e := &Exporter{
		metricsPrefix: prefix,
		nodeMgr:       nodeMgr,
		authoredCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_authored_blocks_current_session",
			Help: "Blocks authored by the stash in the current session",
		}, stashLabels),
		authoredPrevious: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_authored_blocks_previous_session",
			Help: "Blocks authored by the stash in the previous session",
		}, stashLabels),
		authoredSix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_authored_blocks_six_sessions",
			Help: "Blocks authored by the stash over the six sessions before the current one",
		}, stashLabels),
		paraValidator: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_para_validator",
			Help: "Whether the stash is a parachain validator this session (1=yes, 0=no)",
		}, stashLabels),
		paraSix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_para_validator_six_sessions",
			Help: "Sessions out of the last six where the stash was a parachain validator",
		}, stashLabels),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_validator_active",
			Help: "Whether the stash is in the active validator set (1=yes, 0=no)",
		}, stashLabels),
		sessionIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_session_index",
			Help: "Current session index",
		}, chainLabels),
		eraIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_era_index",
			Help: "Active era index",
		}, chainLabels),
		lastBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_last_block",
			Help: "Last finalized block processed",
		}, chainLabels),
		hookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_hook_runs_total",
			Help: "Hook executions by hook and outcome",
		}, []string{"chain", "hook", "status"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_unresolved_authority_index_total",
			Help: "Block author indices outside the known authority set",
		}, chainLabels),
		nodeHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_node_height",
			Help: "Current block height of the node",
		}, nodeLabels),
		nodeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_node_up",
			Help: "Node up status (1=up, 0=down)",
		}, nodeLabels),
		nodeSyncing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_node_syncing",
			Help: "Node syncing status (1=syncing, 0=synced)",
		}, nodeLabels),
		nodePeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_node_peers",
			Help: "Peers reported by system_health",
		}, nodeLabels),
		nodeLastCheck: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_node_last_check_timestamp",
			Help: "Unix timestamp of last node check",
		}, nodeLabels),
	}

	reg.MustRegister(
		e.authoredCurrent,
		e.authoredPrevious,
		e.authoredSix,
		e.paraValidator,
		e.paraSix,
		e.active,
		e.sessionIndex,
		e.eraIndex,
		e.lastBlock,
		e.hookRuns,
		e.unresolved,
		e.nodeHeight,
		e.nodeUp,
		e.nodeSyncing,
		e.nodePeers,
		e.nodeLastCheck,
	)

	return e
}

// SetChain sets the chain label used by every series.
func (e *Exporter) SetChain(name string) {
	e.mu.Lock()
	e.chain = name
	e.mu.Unlock()
}

func (e *Exporter) chainName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chain
}

func (e *Exporter) SetProgress(era, session uint32, block uint64) {
	chain := e.chainName()
	e.eraIndex.WithLabelValues(chain).Set(float64(era))
	e.sessionIndex.WithLabelValues(chain).Set(float64(session))
	e.lastBlock.WithLabelValues(chain).Set(float64(block))
}

func (e *Exporter) SetStash(s StashStats) {
	labels := prometheus.Labels{
		"chain": e.chainName(),
		"stash": s.Stash,
		"name":  s.Name,
	}
	e.active.With(labels).Set(boolGauge(s.Active))
	e.paraValidator.With(labels).Set(boolGauge(s.ParaValidator))
	e.authoredCurrent.With(labels).Set(float64(s.AuthoredCurrent))
	e.authoredPrevious.With(labels).Set(float64(s.AuthoredPrevious))
	e.authoredSix.With(labels).Set(float64(s.AuthoredSix))
	e.paraSix.With(labels).Set(float64(s.ParaSix))
}

// HookRun counts one hook execution; status is ok, missing or error.
func (e *Exporter) HookRun(hook, status string) {
	e.hookRuns.WithLabelValues(e.chainName(), hook, status).Inc()
}

func (e *Exporter) AddUnresolved(n uint64) {
	if n == 0 {
		return
	}
	e.unresolved.WithLabelValues(e.chainName()).Add(float64(n))
}

// UpdateNodes copies the node manager health view into gauges.
func (e *Exporter) UpdateNodes() {
	if e.nodeMgr == nil {
		return
	}
	chain := e.chainName()
	for _, n := range e.nodeMgr.GetNodes() {
		status := n.GetStatus()
		nodeLabels := prometheus.Labels{
			"chain":  chain,
			"label":  n.Endpoint.Label,
			"ws_url": n.Endpoint.URL,
		}

		e.nodeHeight.With(nodeLabels).Set(float64(status.BlockHeight))
		e.nodeUp.With(nodeLabels).Set(boolGauge(status.Healthy))
		e.nodeSyncing.With(nodeLabels).Set(boolGauge(status.Syncing))
		e.nodePeers.With(nodeLabels).Set(float64(status.Peers))

		if !status.LastCheck.IsZero() {
			e.nodeLastCheck.With(nodeLabels).Set(float64(status.LastCheck.Unix()))
		} else {
			e.nodeLastCheck.With(nodeLabels).Set(0)
		}
	}
}

// Start refreshes the node gauges every interval until ctx is done.
func (e *Exporter) Start(ctx context.Context, interval time.Duration) {
	if e.nodeMgr == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			e.UpdateNodes()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
