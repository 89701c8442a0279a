package report

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"lecca.io/scout-watchtower/internal/hooks"
	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/utils"
)

// AppName and Version are printed on the first line of every report.
var (
	AppName = "scout-watchtower"
	Version = "dev"
)

// Report is a list of lines rendered either as plain text or chat HTML.
// In short mode AddText lines are dropped.
type Report struct {
	body  []string
	short bool
}

func New(short bool) *Report {
	return &Report{short: short}
}

func (r *Report) AddRawText(t string) {
	r.body = append(r.body, t)
}

func (r *Report) AddText(t string) {
	if !r.short {
		r.AddRawText(t)
	}
}

func (r *Report) AddBreak() {
	r.AddRawText("")
}

func (r *Report) Message() string {
	return strings.Join(r.body, "\n")
}

func (r *Report) FormattedMessage() string {
	return strings.Join(r.body, "<br/>")
}

func (r *Report) Lines() []string {
	return append([]string(nil), r.body...)
}

func (r *Report) Log() {
	logger.Debug("REPORT", "__START__")
	for _, t := range r.body {
		logger.Debug("REPORT", "%s", t)
	}
	logger.Debug("REPORT", "__END__")
}

// SessionInfo locates a session inside its era.
type SessionInfo struct {
	ActiveEra       uint32
	Current         uint32
	EraSessionIndex uint32
}

// Validator is a watched stash with the hook results gathered for it.
type Validator struct {
	Stash    string
	Name     string
	IsActive bool
	Hooks    []hooks.Result
}

func (r *Report) header() {
	r.AddRawText(fmt.Sprintf("🤖 <code>%s v%s</code>", AppName, Version))
	r.AddBreak()
}

func (r *Report) footer() {
	r.AddBreak()
	r.AddRawText("___")
	r.AddBreak()
	r.Log()
}

func (r *Report) hookResult(h hooks.Result) {
	missing := ""
	if !h.Exists {
		missing = "❌"
	}
	r.AddText(fmt.Sprintf("🪝 <code>%s</code> %s", h.Path, missing))
	for _, line := range h.Highlights() {
		r.AddRawText("‣ " + line)
	}
}

func validatorLink(network, stash, name string) string {
	return fmt.Sprintf("<b><a href=\"https://%s.subscan.io/validator/%s\">%s</a></b>",
		strings.ToLower(network), stash, name)
}

func (r *Report) validators(n substrate.Network, vals []Validator) {
	for _, v := range vals {
		r.AddBreak()
		status := "🔴"
		if v.IsActive {
			status = "🟢"
		}
		r.AddRawText(status + " " + validatorLink(n.Name, v.Stash, v.Name))
		for _, h := range v.Hooks {
			r.hookResult(h)
		}
	}
}

// Session reports a new session with the hook output of each watched stash.
func Session(short bool, n substrate.Network, s SessionInfo, vals []Validator) *Report {
	r := New(short)
	r.header()
	r.AddRawText(fmt.Sprintf("🔗 <b>%s</b> -> %s %s session (%d) of era %d",
		n.Name, SessionFlag(s.EraSessionIndex), SessionOrdinal(s.EraSessionIndex), s.Current, s.ActiveEra))
	r.validators(n, vals)
	r.footer()
	return r
}

// Init reports the start of monitoring.
func Init(short bool, n substrate.Network, s SessionInfo, vals []Validator) *Report {
	r := New(short)
	r.header()
	r.AddRawText(fmt.Sprintf("🔗 <b>%s</b> -> 👀 watching %d stashes at %s session (%d) of era %d",
		n.Name, len(vals), SessionOrdinal(s.EraSessionIndex), s.Current, s.ActiveEra))
	r.validators(n, vals)
	r.footer()
	return r
}

// Slash reports a slash event for the watched stashes.
func Slash(short bool, n substrate.Network, v Validator, amount *big.Int) *Report {
	r := New(short)
	r.header()
	r.AddRawText(fmt.Sprintf("🔗 <b>%s</b> -> 🏴‍☠️ Slash occurred!", n.Name))
	r.AddBreak()
	r.AddRawText("🤬 " + validatorLink(n.Name, v.Stash, v.Name))
	r.AddRawText(fmt.Sprintf("😱 Slashed amount -> 💸 <b>%s</b>",
		utils.FormatAmount(amount, n.TokenDecimals, n.TokenSymbol)))
	for _, h := range v.Hooks {
		r.AddBreak()
		r.hookResult(h)
	}
	r.footer()
	return r
}

// Chill reports a watched stash being chilled.
func Chill(short bool, n substrate.Network, v Validator) *Report {
	return stakingEvent(short, n, v, "🧊 Validator has been chilled")
}

// Offline reports a watched stash reported offline by im-online.
func Offline(short bool, n substrate.Network, v Validator) *Report {
	return stakingEvent(short, n, v, "📴 Validator has been reported offline")
}

func stakingEvent(short bool, n substrate.Network, v Validator, title string) *Report {
	r := New(short)
	r.header()
	r.AddRawText(fmt.Sprintf("🔗 <b>%s</b> -> %s", n.Name, title))
	r.AddBreak()
	r.AddRawText("⚠️ " + validatorLink(n.Name, v.Stash, v.Name))
	for _, h := range v.Hooks {
		r.AddBreak()
		r.hookResult(h)
	}
	r.footer()
	return r
}

// Referendum reports a submitted referendum.
func Referendum(short bool, n substrate.Network, index uint32, track string, hook hooks.Result) *Report {
	r := New(short)
	r.header()
	r.AddRawText(fmt.Sprintf("🔗 <b>%s</b> -> 🗳️ Referendum %d (%s) has been submitted.", n.Name, index, track))
	r.AddBreak()
	r.AddRawText(fmt.Sprintf("Vote here -> <a href=\"https://%s.polkassembly.io/referenda/%d\">Polkassembly</a>",
		strings.ToLower(n.Name), index))
	r.AddRawText(fmt.Sprintf("Or here -> <a href=\"https://%s.subsquare.io/referenda/%d\">Subsquare</a>",
		strings.ToLower(n.Name), index))
	r.AddBreak()
	r.hookResult(hook)
	r.footer()
	return r
}

// OnHold is sent when the watchtower stops after an error and waits to restart.
func OnHold(networkName string, interval time.Duration, cause error) *Report {
	r := New(false)
	r.header()
	r.AddRawText(fmt.Sprintf("💤 <b>%s</b> -> on hold for %s", networkName, interval))
	if cause != nil {
		r.AddText(fmt.Sprintf("⚠️ <code>%s</code>", cause))
	}
	r.AddRawText("Monitoring restarts automatically.")
	r.footer()
	return r
}

// SessionFlag marks the first and last session of an era.
func SessionFlag(eraSessionIndex uint32) string {
	switch eraSessionIndex {
	case 1:
		return "🏁"
	case 6:
		return "🏳️"
	default:
		return "🚩"
	}
}

func SessionOrdinal(eraSessionIndex uint32) string {
	if eraSessionIndex == 6 {
		return "<b>last</b>"
	}
	return utils.Ordinal(eraSessionIndex)
}
