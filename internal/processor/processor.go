package processor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lecca.io/scout-watchtower/internal/alerts"
	"lecca.io/scout-watchtower/internal/authority"
	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/hooks"
	"lecca.io/scout-watchtower/internal/identity"
	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/metrics"
	"lecca.io/scout-watchtower/internal/para"
	"lecca.io/scout-watchtower/internal/report"
	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/utils"
)

// Chain is the node API the processor reads from. *substrate.Client
// implements it.
type Chain interface {
	identity.Reader
	Network(ctx context.Context) (substrate.Network, error)
	FinalizedHead(ctx context.Context) (substrate.Block, error)
	SessionIndex(ctx context.Context, at string) (uint32, error)
	SessionValidators(ctx context.Context, at string) ([]substrate.AccountID, error)
	QueuedChanged(ctx context.Context, at string) (bool, error)
	QueuedKeys(ctx context.Context, at string) ([]substrate.QueuedKey, error)
	ActiveEra(ctx context.Context, at string) (uint32, error)
	ErasStartSessionIndex(ctx context.Context, at string, era uint32) (uint32, error)
	ActiveValidatorIndices(ctx context.Context, at string) ([]uint32, error)
	AuthoredBlocks(ctx context.Context, at string, session uint32, stash substrate.AccountID) (uint32, error)
	ErasRewardPoints(ctx context.Context, at string, era uint32) (substrate.EraRewardPoints, error)
}

type sessionInfo struct {
	era           uint32
	session       uint32
	eraSession    uint32
	queuedChanged bool
}

func (s sessionInfo) report() report.SessionInfo {
	return report.SessionInfo{ActiveEra: s.era, Current: s.session, EraSessionIndex: s.eraSession}
}

// maxPending bounds the authors held back while a session change keeps failing.
const maxPending = 600

// pendingBlock is a block whose reads failed. Its author is attributed once
// a later block gets through.
type pendingBlock struct {
	number uint64
	index  authority.AuthorityIndex
	ok     bool
}

type validator struct {
	stash   substrate.AccountID
	address string
	name    string
	active  bool
	queued  bool
	keysHex string
	hooks   []hooks.Result
}

// Processor sequences tracker updates, hooks and reports for each finalized
// block. It owns both trackers and must be driven from one goroutine.
type Processor struct {
	cfg      *config.Config
	chain    Chain
	events   EventSource
	runner   *hooks.Runner
	notifier alerts.Notifier
	exporter *metrics.Exporter
	status   *Status

	stashes    []substrate.AccountID
	network    substrate.Network
	names      *identity.Resolver
	authority  *authority.Records
	para       *para.Records
	info       sessionInfo
	validators []validator

	pending []pendingBlock
	// first block at which a still unapplied session change was seen
	boundary        uint64
	boundarySession uint32
}

func NewProcessor(cfg *config.Config, chain Chain, events EventSource, runner *hooks.Runner, notifier alerts.Notifier, exporter *metrics.Exporter, status *Status) *Processor {
	if events == nil {
		events = noEvents{}
	}
	if status == nil {
		status = NewStatus()
	}
	stashes := cfg.Chain.StashIDs()
	return &Processor{
		cfg:       cfg,
		chain:     chain,
		events:    events,
		runner:    runner,
		notifier:  notifier,
		exporter:  exporter,
		status:    status,
		stashes:   stashes,
		authority: authority.NewRecords(stashes),
		para:      para.NewRecords(stashes),
	}
}

// Init loads the chain state at the finalized head, seeds both trackers,
// runs the init hook per stash and sends the init report. It returns the
// head number; blocks after it are fed to ProcessBlock.
func (p *Processor) Init(ctx context.Context) (uint64, error) {
	head, err := p.chain.FinalizedHead(ctx)
	if err != nil {
		return 0, fmt.Errorf("finalized head: %w", err)
	}
	network, err := p.chain.Network(ctx)
	if err != nil {
		return 0, fmt.Errorf("network: %w", err)
	}
	if p.cfg.Chain.Name != "" {
		network.Name = p.cfg.Chain.Name
	}
	p.network = network
	p.names = identity.NewResolver(p.chain, network.SS58Format)
	if p.exporter != nil {
		p.exporter.SetChain(network.Name)
	}
	logger.Info("INIT", "Connected to %s (%s, %d decimals) at finalized block #%d",
		network.Name, network.TokenSymbol, network.TokenDecimals, head.Number)

	session, err := p.chain.SessionIndex(ctx, head.Hash)
	if err != nil {
		return 0, fmt.Errorf("session index: %w", err)
	}
	info, err := p.sessionData(ctx, head.Hash, session)
	if err != nil {
		return 0, err
	}
	active, err := p.chain.SessionValidators(ctx, head.Hash)
	if err != nil {
		return 0, fmt.Errorf("session validators: %w", err)
	}
	authored := make(map[substrate.AccountID]uint32, len(p.stashes))
	for _, stash := range p.stashes {
		n, err := p.chain.AuthoredBlocks(ctx, head.Hash, session, stash)
		if err != nil {
			return 0, fmt.Errorf("authored blocks of %s: %w", stash.SS58(network.SS58Format), err)
		}
		authored[stash] = n
	}
	indices, err := p.chain.ActiveValidatorIndices(ctx, head.Hash)
	if err != nil {
		return 0, fmt.Errorf("para active validator indices: %w", err)
	}
	points, hasPoints, err := p.eraPoints(ctx, head.Hash, info.era)
	if err != nil {
		return 0, err
	}
	vals, err := p.collectValidators(ctx, head.Hash, active)
	if err != nil {
		return 0, err
	}

	// the head is already included in the on-chain authored counts
	p.authority.SetSession(session)
	p.authority.SetAuthorities(active)
	p.authority.RecordBlock(head.Number, 0, false)
	for stash, n := range authored {
		p.authority.Seed(stash, n)
	}
	p.para.ResolveWatchlist(active)
	p.para.RecordMembership(session, indices)
	p.info = info

	expose := p.cfg.Expose
	for i := range vals {
		v := &vals[i]
		args := p.baseArgs(v, info, head.Number)
		args = append(args, placeholders(nominatorArgs)...)
		args = append(args, exposed(v.active && expose.AuthoredBlocksEnabled(),
			u32(p.authority.CurrentSessionTotal(v.stash)), "-")...)
		args = append(args, placeholders(allNominatorArgs)...)
		args = append(args, exposed(v.active && expose.ParaValidatorEnabled(),
			strconv.FormatBool(p.para.IsParaValidator(v.stash)), "-")...)
		args = append(args, p.pointsArgs(v.active && hasPoints, points, v.stash)...)
		v.hooks = append(v.hooks, p.runHook(ctx, hooks.Init, p.cfg.Hooks.Init, args))
	}
	p.validators = vals

	r := report.Init(p.cfg.Report.Short, network, info.report(), reportValidators(vals))
	p.notify(ctx, alerts.KindInit, "Watchtower started", r)
	p.publish(head)
	return head.Number, nil
}

// ProcessBlock handles one finalized block. Blocks must arrive in ascending
// order; a returned error means a chain read failed and the block was skipped.
func (p *Processor) ProcessBlock(ctx context.Context, b substrate.Block) error {
	var (
		index authority.AuthorityIndex
		ok    bool
	)
	// a malformed digest only loses the author of this block
	if items, err := authority.ParseDigestLogs(b.Logs); err != nil {
		logger.Warn("PROC", "Block #%d: %v", b.Number, err)
	} else {
		index, ok = authority.DecodeAuthorityIndex(items)
	}
	if !ok {
		logger.Debug("PROC", "Block #%d has no decodable author", b.Number)
	}
	unresolved := p.authority.Unresolved()

	session, err := p.chain.SessionIndex(ctx, b.Hash)
	if err != nil {
		p.hold(b.Number, index, ok)
		return fmt.Errorf("block #%d session index: %w", b.Number, err)
	}
	events, err := p.events.Events(ctx, b)
	if err != nil {
		p.hold(b.Number, index, ok)
		return fmt.Errorf("block #%d events: %w", b.Number, err)
	}
	if session != p.info.session {
		if err := p.onNewSession(ctx, b, session, index, ok); err != nil {
			if p.boundary == 0 || p.boundarySession != session {
				p.boundary, p.boundarySession = b.Number, session
			}
			p.hold(b.Number, index, ok)
			return fmt.Errorf("block #%d new session %d: %w", b.Number, session, err)
		}
	} else {
		p.replayPending()
	}
	p.onEvents(ctx, events)

	p.authority.RecordBlock(b.Number, index, ok)
	if p.exporter != nil {
		p.exporter.AddUnresolved(p.authority.Unresolved() - unresolved)
	}
	p.publish(b)
	return nil
}

func (p *Processor) hold(number uint64, index authority.AuthorityIndex, ok bool) {
	if n := len(p.pending); n > 0 && p.pending[n-1].number == number {
		return
	}
	if len(p.pending) == maxPending {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, pendingBlock{number: number, index: index, ok: ok})
}

func (p *Processor) replayPending() {
	for _, pb := range p.pending {
		p.authority.RecordBlock(pb.number, pb.index, pb.ok)
	}
	p.pending = nil
}

// onNewSession reads everything it needs before touching the trackers so a
// failed read leaves them untouched and the next block retries. Authors of
// the blocks that failed are attributed to the new session first.
func (p *Processor) onNewSession(ctx context.Context, b substrate.Block, session uint32, index authority.AuthorityIndex, ok bool) error {
	info, err := p.sessionData(ctx, b.Hash, session)
	if err != nil {
		return err
	}
	active, err := p.chain.SessionValidators(ctx, b.Hash)
	if err != nil {
		return fmt.Errorf("session validators: %w", err)
	}
	indices, err := p.chain.ActiveValidatorIndices(ctx, b.Hash)
	if err != nil {
		return fmt.Errorf("para active validator indices: %w", err)
	}
	var (
		points    substrate.EraRewardPoints
		hasPoints bool
	)
	if info.eraSession == 1 {
		if points, hasPoints, err = p.eraPoints(ctx, b.Hash, info.era); err != nil {
			return err
		}
	}
	vals, err := p.collectValidators(ctx, b.Hash, active)
	if err != nil {
		return err
	}

	if info.eraSession == 1 {
		p.authority.SetAuthorities(active)
		p.para.ResolveWatchlist(active)
	}
	p.authority.SetSession(session)
	p.replayPending()
	p.authority.RecordBlock(b.Number, index, ok)
	p.para.RecordMembership(session, indices)
	p.info = info

	boundary := b.Number
	if p.boundary != 0 && p.boundarySession == session {
		boundary = p.boundary
	}
	p.boundary, p.boundarySession = 0, 0

	logger.Info("PROC", "Block #%d | New session %d (%s session of era %d)",
		boundary, session, utils.Ordinal(info.eraSession), info.era)

	expose := p.cfg.Expose
	for i := range vals {
		v := &vals[i]
		args := p.baseArgs(v, info, boundary)
		args = append(args, placeholders(nominatorArgs)...)
		args = append(args, exposed(v.active && expose.AuthoredBlocksEnabled(),
			u32(p.authority.PreviousSessionTotal(v.stash)),
			u32(p.authority.RollingSixSessionTotal(v.stash)))...)
		args = append(args, placeholders(allNominatorArgs)...)
		args = append(args, exposed(v.active && expose.ParaValidatorEnabled(),
			strconv.FormatBool(p.para.IsParaValidator(v.stash)),
			u32(p.para.RollingSixSessionTotal(v.stash)))...)
		v.hooks = append(v.hooks, p.runHook(ctx, hooks.NewSession, p.cfg.Hooks.NewSession, args))

		if info.eraSession == 1 {
			eraArgs := append(args[:len(args):len(args)], p.pointsArgs(hasPoints, points, v.stash)...)
			v.hooks = append(v.hooks, p.runHook(ctx, hooks.NewEra, p.cfg.Hooks.NewEra, eraArgs))
		}

		if info.eraSession == 6 && info.queuedChanged {
			next := []string{v.address, v.name, v.keysHex, u32(info.era + 1), u32(info.session + 1)}
			next = append(next, p.networkArgs()...)
			switch {
			case !v.active && v.queued:
				v.hooks = append(v.hooks, p.runHook(ctx, hooks.ValidatorStartsActiveNextEra,
					p.cfg.Hooks.ValidatorStartsActiveNextEra, next))
			case v.active && !v.queued:
				v.hooks = append(v.hooks, p.runHook(ctx, hooks.ValidatorStartsInactiveNextEra,
					p.cfg.Hooks.ValidatorStartsInactiveNextEra, next))
			}
		}
	}
	p.validators = vals

	r := report.Session(p.cfg.Report.Short, p.network, info.report(), reportValidators(vals))
	p.notify(ctx, alerts.KindSession, fmt.Sprintf("Session %d", session), r)
	return nil
}

func (p *Processor) onEvents(ctx context.Context, ev BlockEvents) {
	if ev.Empty() {
		return
	}
	for _, s := range ev.Slashed {
		p.onSlash(ctx, s)
	}
	for _, stash := range ev.Chilled {
		if v := p.watched(stash); v != nil {
			args := append([]string{v.address, v.name, v.keysHex,
				strconv.FormatBool(v.active), strconv.FormatBool(v.queued)}, p.networkArgs()...)
			hook := p.runHook(ctx, hooks.ValidatorChilled, p.cfg.Hooks.ValidatorChilled, args)
			r := report.Chill(p.cfg.Report.Short, p.network, reportValidator(*v, hook))
			p.notify(ctx, alerts.KindChill, "Validator chilled", r)
		}
	}
	for _, stash := range ev.Offline {
		if v := p.watched(stash); v != nil {
			args := append([]string{v.address, v.name, v.keysHex,
				strconv.FormatBool(v.active), strconv.FormatBool(v.queued)}, p.networkArgs()...)
			hook := p.runHook(ctx, hooks.ValidatorOffline, p.cfg.Hooks.ValidatorOffline, args)
			r := report.Offline(p.cfg.Report.Short, p.network, reportValidator(*v, hook))
			p.notify(ctx, alerts.KindOffline, "Validator offline", r)
		}
	}
	for _, ref := range ev.Referenda {
		args := append([]string{u32(ref.Index), strconv.FormatUint(uint64(ref.Track), 10)}, p.networkArgs()...)
		hook := p.runHook(ctx, hooks.ReferendaSubmitted, p.cfg.Hooks.ReferendaSubmitted, args)
		r := report.Referendum(p.cfg.Report.Short, p.network, ref.Index, strconv.FormatUint(uint64(ref.Track), 10), hook)
		p.notify(ctx, alerts.KindReferendum, fmt.Sprintf("Referendum %d submitted", ref.Index), r)
	}
}

// onSlash reports every slash on the chain, watched or not.
func (p *Processor) onSlash(ctx context.Context, s Slash) {
	address := s.Stash.SS58(p.network.SS58Format)
	v := validator{stash: s.Stash, address: address}
	if w := p.watched(s.Stash); w != nil {
		v = *w
	} else {
		name, err := p.names.DisplayName(ctx, s.Stash)
		if err != nil {
			logger.Warn("PROC", "Identity of slashed %s: %v", address, err)
			name = s.Stash.Short(p.network.SS58Format)
		}
		v.name = name
	}

	amount := "0"
	if s.Amount != nil {
		amount = s.Amount.String()
	}
	args := append([]string{address, amount}, p.networkArgs()...)
	hook := p.runHook(ctx, hooks.ValidatorSlashed, p.cfg.Hooks.ValidatorSlashed, args)
	r := report.Slash(p.cfg.Report.Short, p.network, reportValidator(v, hook), s.Amount)
	p.notify(ctx, alerts.KindSlash, "Slash occurred", r)
}

func (p *Processor) watched(stash substrate.AccountID) *validator {
	for i := range p.validators {
		if p.validators[i].stash == stash {
			return &p.validators[i]
		}
	}
	return nil
}

func (p *Processor) sessionData(ctx context.Context, at string, session uint32) (sessionInfo, error) {
	era, err := p.chain.ActiveEra(ctx, at)
	if err != nil {
		return sessionInfo{}, fmt.Errorf("active era: %w", err)
	}
	start, err := p.chain.ErasStartSessionIndex(ctx, at, era)
	if err != nil {
		return sessionInfo{}, fmt.Errorf("era %d start session: %w", era, err)
	}
	changed, err := p.chain.QueuedChanged(ctx, at)
	if err != nil {
		return sessionInfo{}, fmt.Errorf("queued changed: %w", err)
	}
	eraSession := uint32(1)
	if session >= start {
		eraSession = 1 + session - start
	}
	return sessionInfo{era: era, session: session, eraSession: eraSession, queuedChanged: changed}, nil
}

// eraPoints loads the reward points of the era before era.
func (p *Processor) eraPoints(ctx context.Context, at string, era uint32) (substrate.EraRewardPoints, bool, error) {
	if !p.cfg.Expose.EraPointsEnabled() || era == 0 {
		return substrate.EraRewardPoints{}, false, nil
	}
	points, err := p.chain.ErasRewardPoints(ctx, at, era-1)
	if err != nil {
		return substrate.EraRewardPoints{}, false, fmt.Errorf("era %d reward points: %w", era-1, err)
	}
	return points, true, nil
}

func (p *Processor) collectValidators(ctx context.Context, at string, active []substrate.AccountID) ([]validator, error) {
	queued, err := p.chain.QueuedKeys(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("queued keys: %w", err)
	}
	keys := make(map[substrate.AccountID]string, len(queued))
	for _, q := range queued {
		keys[q.Stash] = q.KeysHex()
	}
	activeSet := make(map[substrate.AccountID]bool, len(active))
	for _, a := range active {
		activeSet[a] = true
	}

	vals := make([]validator, 0, len(p.stashes))
	for _, stash := range p.stashes {
		name, err := p.names.DisplayName(ctx, stash)
		if err != nil {
			logger.Warn("PROC", "Identity of %s: %v", stash.SS58(p.network.SS58Format), err)
			name = stash.Short(p.network.SS58Format)
		}
		keysHex, isQueued := keys[stash]
		if !isQueued {
			keysHex = "0x"
		}
		vals = append(vals, validator{
			stash:   stash,
			address: stash.SS58(p.network.SS58Format),
			name:    name,
			active:  activeSet[stash],
			queued:  isQueued,
			keysHex: keysHex,
		})
	}
	return vals, nil
}

func (p *Processor) runHook(ctx context.Context, name hooks.Name, path string, args []string) hooks.Result {
	res, err := p.runner.Run(ctx, name, path, args)
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		logger.Error("HOOK", "%v", err)
	case !res.Exists:
		status = "missing"
	}
	if p.exporter != nil {
		p.exporter.HookRun(string(name), status)
	}
	return res
}

func (p *Processor) notify(ctx context.Context, kind alerts.Kind, title string, r *report.Report) {
	if p.notifier == nil {
		return
	}
	msg := alerts.Message{
		Key:       string(kind),
		Kind:      kind,
		Status:    alerts.AlertInfo,
		ChainName: p.network.Name,
		Title:     title,
		Text:      r.Message(),
		HTML:      r.FormattedMessage(),
		Timestamp: time.Now(),
	}
	if err := p.notifier.Notify(ctx, msg); err != nil {
		logger.Warn("ALERT", "%s message skipped: %v", kind, err)
	}
}

func (p *Processor) publish(b substrate.Block) {
	snap := Snapshot{
		Network:          p.network,
		Block:            b.Number,
		BlockHash:        b.Hash,
		Era:              p.info.era,
		Session:          p.info.session,
		EraSessionIndex:  p.info.eraSession,
		Unresolved:       p.authority.Unresolved(),
		AuthorityRecords: p.authority.Export(),
		ParaRecords:      p.para.Export(),
		UpdatedAt:        time.Now(),
	}
	for _, v := range p.validators {
		st := ValidatorState{
			Stash:            v.address,
			Name:             v.name,
			IsActive:         v.active,
			IsQueued:         v.queued,
			ParaValidator:    p.para.IsParaValidator(v.stash),
			AuthoredCurrent:  p.authority.CurrentSessionTotal(v.stash),
			AuthoredPrevious: p.authority.PreviousSessionTotal(v.stash),
			AuthoredSix:      p.authority.RollingSixSessionTotal(v.stash),
			ParaSix:          p.para.RollingSixSessionTotal(v.stash),
		}
		snap.Validators = append(snap.Validators, st)
		if p.exporter != nil {
			p.exporter.SetStash(metrics.StashStats{
				Stash:            st.Stash,
				Name:             st.Name,
				Active:           st.IsActive,
				ParaValidator:    st.ParaValidator,
				AuthoredCurrent:  st.AuthoredCurrent,
				AuthoredPrevious: st.AuthoredPrevious,
				AuthoredSix:      st.AuthoredSix,
				ParaSix:          st.ParaSix,
			})
		}
	}
	if p.exporter != nil {
		p.exporter.SetProgress(p.info.era, p.info.session, b.Number)
	}
	p.status.Publish(snap)
}

func reportValidator(v validator, hook hooks.Result) report.Validator {
	return report.Validator{Stash: v.address, Name: v.name, IsActive: v.active, Hooks: []hooks.Result{hook}}
}

func reportValidators(vals []validator) []report.Validator {
	out := make([]report.Validator, 0, len(vals))
	for _, v := range vals {
		out = append(out, report.Validator{Stash: v.address, Name: v.name, IsActive: v.active, Hooks: v.hooks})
	}
	return out
}
