package report

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecca.io/scout-watchtower/internal/hooks"
	"lecca.io/scout-watchtower/internal/substrate"
)

var polkadot = substrate.Network{Name: "Polkadot", TokenSymbol: "DOT", TokenDecimals: 10}

func TestReportJoin(t *testing.T) {
	r := New(false)
	r.AddRawText("a")
	r.AddText("b")
	r.AddBreak()
	assert.Equal(t, "a\nb\n", r.Message())
	assert.Equal(t, "a<br/>b<br/>", r.FormattedMessage())

	short := New(true)
	short.AddRawText("a")
	short.AddText("b")
	assert.Equal(t, []string{"a"}, short.Lines())
}

func TestSessionReport(t *testing.T) {
	vals := []Validator{{
		Stash:    "1abc",
		Name:     "TURBOFLAKES",
		IsActive: true,
		Hooks: []hooks.Result{
			{Path: "/hooks/new_session.sh", Exists: true, Stdout: []string{"!authored 12 blocks", "noise"}},
			{Path: "/hooks/new_era.sh"},
		},
	}}
	r := Session(false, polkadot, SessionInfo{ActiveEra: 1200, Current: 7000, EraSessionIndex: 6}, vals)
	msg := r.Message()

	assert.Contains(t, msg, "🏳️ <b>last</b> session (7000) of era 1200")
	assert.Contains(t, msg, "🟢 <b><a href=\"https://polkadot.subscan.io/validator/1abc\">TURBOFLAKES</a></b>")
	assert.Contains(t, msg, "‣ authored 12 blocks")
	assert.NotContains(t, msg, "noise")
	assert.Contains(t, msg, "<code>/hooks/new_era.sh</code> ❌")

	short := Session(true, polkadot, SessionInfo{EraSessionIndex: 1}, vals).Message()
	assert.NotContains(t, short, "🪝")
	assert.Contains(t, short, "‣ authored 12 blocks")
	assert.Contains(t, short, "🏁 1st session")
}

func TestSlashReport(t *testing.T) {
	amount := big.NewInt(25_000_000_000)
	msg := Slash(false, polkadot, Validator{Stash: "1abc", Name: "V"}, amount).Message()
	assert.Contains(t, msg, "💸 <b>2.5000 DOT</b>")
}

func TestReferendumReport(t *testing.T) {
	msg := Referendum(false, polkadot, 42, "root", hooks.Result{Path: "/r.sh", Exists: true, Stdout: []string{"!voted"}}).FormattedMessage()
	assert.Contains(t, msg, "Referendum 42 (root)")
	assert.Contains(t, msg, "https://polkadot.polkassembly.io/referenda/42")
	assert.Contains(t, msg, "‣ voted")
}

func TestChillAndOfflineReports(t *testing.T) {
	v := Validator{Stash: "1abc", Name: "V"}
	assert.Contains(t, Chill(false, polkadot, v).Message(), "chilled")
	assert.Contains(t, Offline(false, polkadot, v).Message(), "offline")
}

func TestOnHold(t *testing.T) {
	msg := OnHold("Kusama", 30*time.Minute, errors.New("subscription finished")).Message()
	require.True(t, strings.HasPrefix(msg, "🤖 <code>"+AppName))
	assert.Contains(t, msg, "on hold for 30m0s")
	assert.Contains(t, msg, "subscription finished")
}

func TestSessionFlagAndOrdinal(t *testing.T) {
	assert.Equal(t, "🏁", SessionFlag(1))
	assert.Equal(t, "🚩", SessionFlag(3))
	assert.Equal(t, "🏳️", SessionFlag(6))
	assert.Equal(t, "2nd", SessionOrdinal(2))
	assert.Equal(t, "<b>last</b>", SessionOrdinal(6))
}
