package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/substrate"
)

// NodeSource exposes the health view kept by substrate.Manager.
type NodeSource interface {
	GetNodes() []*substrate.Node
}

// ProgressSource reports the last block the processor finished.
type ProgressSource interface {
	LastBlock() uint64
}

type AlertStateItem struct {
	Key         string
	Kind        Kind
	SubjectID   string
	Status      AlertStatus
	FiringSince time.Time
	LastEventAt time.Time
}

type heightTrack struct {
	height  uint64
	changed time.Time
}

type nodeSnapshot struct {
	Label       string
	URL         string
	AlertOnDown bool
	Healthy     bool
}

// Watchdog fires and resolves operational alerts for the watchtower itself:
// unreachable nodes and a finalized stream that stops advancing.
// Alert state is in memory only.
type Watchdog struct {
	rules     config.AlertRules
	chainName string
	alertOn   map[string]bool
	nodes     NodeSource
	progress  ProgressSource
	notifier  Notifier
	interval  time.Duration

	mu       sync.Mutex
	alerts   map[string]AlertStateItem
	finality heightTrack
}

func NewWatchdog(rules config.AlertRules, chainName string, nodeCfg []config.NodeConfig, nodes NodeSource, progress ProgressSource, notifier Notifier) *Watchdog {
	alertOn := make(map[string]bool)
	for _, n := range nodeCfg {
		alertOn[n.Label] = n.AlertOnDown
	}
	return &Watchdog{
		rules:     rules,
		chainName: chainName,
		alertOn:   alertOn,
		nodes:     nodes,
		progress:  progress,
		notifier:  notifier,
		interval:  30 * time.Second,
		alerts:    make(map[string]AlertStateItem),
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	if !w.rules.NodeDown.Enabled() && !w.rules.FinalityStall.Enabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				w.check(ctx, now)
			}
		}
	}()
}

func (w *Watchdog) check(ctx context.Context, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rules.NodeDown.Enabled() && w.nodes != nil {
		var snaps []nodeSnapshot
		for _, n := range w.nodes.GetNodes() {
			snaps = append(snaps, nodeSnapshot{
				Label:       n.Endpoint.Label,
				URL:         n.Endpoint.URL,
				AlertOnDown: w.alertOn[n.Endpoint.Label],
				Healthy:     n.GetStatus().Healthy,
			})
		}
		w.checkNodeDown(ctx, now, snaps)
	}
	if w.rules.FinalityStall.Enabled() && w.progress != nil {
		w.checkFinalityStall(ctx, now, w.progress.LastBlock())
	}
}

func (w *Watchdog) checkNodeDown(ctx context.Context, now time.Time, nodes []nodeSnapshot) {
	fireAfter := w.rules.NodeDown.FireDuration()
	for _, n := range nodes {
		if !n.AlertOnDown {
			continue
		}
		n := n
		w.evaluate(ctx, now, fmt.Sprintf("node_down:%s", n.Label), KindNodeDown, n.Label, !n.Healthy, fireAfter,
			func(d time.Duration) Message {
				return Message{
					Severity: "warning",
					Title:    "Node Down",
					Text:     fmt.Sprintf("Node %s (%s) has been DOWN for %v", n.Label, n.URL, d),
					Details:  []AlertDetail{{Label: "Downtime", Value: fmt.Sprintf("down %s", d)}},
				}
			},
			func(d time.Duration) Message {
				return Message{
					Severity: "info",
					Title:    "Node Recovered",
					Text:     fmt.Sprintf("Node %s (%s) recovered after being DOWN for %v", n.Label, n.URL, d),
					Details:  []AlertDetail{{Label: "Downtime", Value: fmt.Sprintf("down %s → recovered", d)}},
				}
			})
	}
}

// checkFinalityStall treats the first observation as a baseline.
func (w *Watchdog) checkFinalityStall(ctx context.Context, now time.Time, height uint64) {
	if w.finality.changed.IsZero() || height > w.finality.height {
		w.finality = heightTrack{height: height, changed: now}
	}
	stalled := height == w.finality.height && now.After(w.finality.changed)
	stalledFor := now.Sub(w.finality.changed)

	w.evaluate(ctx, now, "finality_stall", KindFinalityStall, w.chainName, stalled, w.rules.FinalityStall.FireDuration(),
		func(time.Duration) Message {
			return Message{
				Severity: "critical",
				Title:    "Finalized Blocks Stalled",
				Text:     fmt.Sprintf("No finalized block processed since #%d (%s)", height, stalledFor.Round(time.Second)),
				Details:  []AlertDetail{{Label: "Last Block", Value: fmt.Sprintf("#%d", height)}},
			}
		},
		func(d time.Duration) Message {
			return Message{
				Severity: "info",
				Title:    "Finalized Blocks Resumed",
				Text:     fmt.Sprintf("Finalized blocks resumed at #%d after %v", height, d),
				Details:  []AlertDetail{{Label: "Last Block", Value: fmt.Sprintf("#%d", height)}},
			}
		})
}

// evaluate runs the fire-once then resolve state machine for a single key.
// A firing alert is only sent once the condition held for fireAfter, and a
// resolve is only sent if the firing one went out.
func (w *Watchdog) evaluate(ctx context.Context, now time.Time, key string, kind Kind, subject string, failing bool,
	fireAfter time.Duration, firing, resolved func(time.Duration) Message) {

	state, exists := w.alerts[key]
	if failing {
		if !exists {
			w.alerts[key] = AlertStateItem{Key: key, Kind: kind, SubjectID: subject, Status: AlertFiring, FiringSince: now}
			return
		}
		if now.Sub(state.FiringSince) >= fireAfter && state.LastEventAt.IsZero() {
			msg := firing(now.Sub(state.FiringSince).Round(time.Second))
			w.send(ctx, key, kind, AlertFiring, now, msg)
			state.LastEventAt = now
			w.alerts[key] = state
		}
		return
	}
	if !exists {
		return
	}
	if !state.LastEventAt.IsZero() {
		msg := resolved(now.Sub(state.FiringSince).Round(time.Second))
		w.send(ctx, key, kind, AlertResolved, now, msg)
	}
	delete(w.alerts, key)
}

func (w *Watchdog) send(ctx context.Context, key string, kind Kind, status AlertStatus, now time.Time, msg Message) {
	msg.Key = key
	msg.Kind = kind
	msg.Status = status
	msg.ChainName = w.chainName
	msg.Timestamp = now
	if err := w.notifier.Notify(ctx, msg); err != nil {
		logger.Warn("ALERT", "Failed to send %s %s alert: %v", kind, status, err)
	}
}

// Firing returns the keys of alerts currently in firing state.
func (w *Watchdog) Firing() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var keys []string
	for k, s := range w.alerts {
		if !s.LastEventAt.IsZero() {
			keys = append(keys, k)
		}
	}
	return keys
}
