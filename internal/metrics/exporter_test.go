package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecca.io/scout-watchtower/internal/substrate"
)

type staticNodes []*substrate.Node

func (s staticNodes) GetNodes() []*substrate.Node { return s }

func TestExporterStashAndProgress(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExporter("test", reg, nil)
	e.SetChain("Kusama")

	e.SetProgress(6001, 36010, 20_000_000)
	e.SetStash(StashStats{
		Stash:            "HNZata7iMYWmk5RvZRTiAsSDhV8366zq2YGb3tLH5Upf74F",
		Name:             "ALICE",
		Active:           true,
		AuthoredCurrent:  3,
		AuthoredPrevious: 5,
		AuthoredSix:      33,
		ParaSix:          5,
	})

	assert.Equal(t, 36010.0, testutil.ToFloat64(e.sessionIndex.WithLabelValues("Kusama")))
	assert.Equal(t, 6001.0, testutil.ToFloat64(e.eraIndex.WithLabelValues("Kusama")))
	assert.Equal(t, 2e7, testutil.ToFloat64(e.lastBlock.WithLabelValues("Kusama")))

	labels := []string{"Kusama", "HNZata7iMYWmk5RvZRTiAsSDhV8366zq2YGb3tLH5Upf74F", "ALICE"}
	assert.Equal(t, 1.0, testutil.ToFloat64(e.active.WithLabelValues(labels...)))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.paraValidator.WithLabelValues(labels...)))
	assert.Equal(t, 33.0, testutil.ToFloat64(e.authoredSix.WithLabelValues(labels...)))
	assert.Equal(t, 5.0, testutil.ToFloat64(e.paraSix.WithLabelValues(labels...)))
}

func TestExporterCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExporter("test", reg, nil)
	e.SetChain("Polkadot")

	e.HookRun("new_session", "ok")
	e.HookRun("new_session", "ok")
	e.HookRun("new_era", "missing")
	e.AddUnresolved(0)
	e.AddUnresolved(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.hookRuns.WithLabelValues("Polkadot", "new_session", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.hookRuns.WithLabelValues("Polkadot", "new_era", "missing")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.unresolved.WithLabelValues("Polkadot")))
}

func TestExporterNodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	node := &substrate.Node{
		Endpoint: substrate.Endpoint{Label: "rpc-1", URL: "ws://10.0.0.1:9944"},
		Status:   substrate.NodeStatus{Healthy: true, BlockHeight: 42, Peers: 7},
	}
	e := NewExporter("test", reg, staticNodes{node})
	e.SetChain("Westend")
	e.UpdateNodes()

	labels := []string{"Westend", "rpc-1", "ws://10.0.0.1:9944"}
	assert.Equal(t, 1.0, testutil.ToFloat64(e.nodeUp.WithLabelValues(labels...)))
	assert.Equal(t, 42.0, testutil.ToFloat64(e.nodeHeight.WithLabelValues(labels...)))
	assert.Equal(t, 7.0, testutil.ToFloat64(e.nodePeers.WithLabelValues(labels...)))

	n, err := testutil.GatherAndCount(reg, "test_node_up")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
