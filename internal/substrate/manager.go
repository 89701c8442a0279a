package substrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lecca.io/scout-watchtower/internal/logger"
)

func sanitizeRPCError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "<html") || strings.Contains(msg, "<HTML") {
		if idx := strings.Index(strings.ToLower(msg), "<html"); idx > 0 {
			return strings.TrimSpace(msg[:idx])
		}
		return "HTTP error response"
	}
	return msg
}

// Endpoint is one node the watchtower may read from.
type Endpoint struct {
	Label string
	URL   string
}

type NodeStatus struct {
	Healthy     bool
	BlockHeight uint64
	Syncing     bool
	Peers       uint64
	Latency     time.Duration
	LastError   error
	LastCheck   time.Time
}

type Node struct {
	Endpoint Endpoint
	Client   *Client
	Status   NodeStatus
	mu       sync.RWMutex
}

// Manager keeps a health view over the configured endpoints.
type Manager struct {
	nodes    []*Node
	timeout  time.Duration
	interval time.Duration
}

func NewManager(endpoints []Endpoint, timeout time.Duration) *Manager {
	var nodes []*Node
	for _, ep := range endpoints {
		nodes = append(nodes, &Node{Endpoint: ep})
	}
	return &Manager{nodes: nodes, timeout: timeout, interval: 30 * time.Second}
}

// SetInterval changes the health check period. Call before Start.
func (m *Manager) SetInterval(d time.Duration) {
	if d > 0 {
		m.interval = d
	}
}

func (m *Manager) Start(ctx context.Context) {
	logger.Info("RPC", "Starting initial check for %d nodes...", len(m.nodes))
	m.checkAll(ctx)

	active := 0
	for _, n := range m.nodes {
		st := n.GetStatus()
		status := "DOWN"
		if st.Healthy {
			status = fmt.Sprintf("UP (Height: %d, Peers: %d)", st.BlockHeight, st.Peers)
			active++
		}
		logger.Info("RPC", "Node '%s' : %s", n.Endpoint.Label, status)
	}
	logger.Info("RPC", "Active nodes: %d/%d", active, len(m.nodes))

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

func (m *Manager) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, n := range m.nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			m.checkNode(ctx, node)
		}(n)
	}
	wg.Wait()
}

func (m *Manager) checkNode(ctx context.Context, n *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	start := time.Now()
	fail := func(err error) {
		logger.Warn("NODE", "%s check failed: %s", n.Endpoint.Label, sanitizeRPCError(err))
		n.Status.Healthy = false
		n.Status.LastError = err
		n.Status.LastCheck = time.Now()
	}

	if n.Client == nil {
		c, err := Dial(ctx, n.Endpoint.URL, m.timeout)
		if err != nil {
			fail(err)
			return
		}
		n.Client = c
	}

	health, err := n.Client.Health(ctx)
	if err != nil {
		fail(err)
		n.Client.Close()
		n.Client = nil
		return
	}

	head, err := n.Client.Header(ctx, "")
	if err != nil {
		fail(err)
		return
	}
	height, err := head.BlockNumber()
	if err != nil {
		fail(err)
		return
	}

	n.Status.Healthy = true
	n.Status.Syncing = health.IsSyncing
	n.Status.Peers = health.Peers
	if height > n.Status.BlockHeight {
		n.Status.BlockHeight = height
	}
	n.Status.Latency = time.Since(start)
	n.Status.LastError = nil
	n.Status.LastCheck = time.Now()
}

// GetBestNode prefers healthy synced nodes, then the highest block and lowest latency.
func (m *Manager) GetBestNode() *Node {
	var candidates []*Node
	for _, n := range m.nodes {
		st := n.GetStatus()
		if st.Healthy && !st.Syncing {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		for _, n := range m.nodes {
			if n.GetStatus().Healthy {
				candidates = append(candidates, n)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].GetStatus(), candidates[j].GetStatus()
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight > b.BlockHeight
		}
		return a.Latency < b.Latency
	})
	return candidates[0]
}

// Connect returns a fresh client to the best node, re-checking all nodes when none is healthy.
func (m *Manager) Connect(ctx context.Context) (*Node, *Client, error) {
	best := m.GetBestNode()
	if best == nil {
		m.checkAll(ctx)
		best = m.GetBestNode()
	}
	if best == nil {
		return nil, nil, fmt.Errorf("no healthy node among %d configured", len(m.nodes))
	}
	c, err := Dial(ctx, best.Endpoint.URL, m.timeout)
	if err != nil {
		return nil, nil, err
	}
	return best, c, nil
}

func (m *Manager) GetNodes() []*Node {
	return m.nodes
}

func (n *Node) GetStatus() NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Status
}

// UpdateHeight is fed by the head listener between health checks.
func (n *Node) UpdateHeight(height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if height > n.Status.BlockHeight {
		n.Status.BlockHeight = height
		n.Status.LastCheck = time.Now()
	}
}
