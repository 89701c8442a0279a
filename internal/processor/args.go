package processor

import (
	"strconv"

	"lecca.io/scout-watchtower/internal/substrate"
)

// Hook scripts read their input by position. Nominator exposure is not
// collected but its positions are kept so existing scripts stay aligned.
const (
	nominatorArgs    = 5
	allNominatorArgs = 2
)

// baseArgs: stash, name, queued keys, is_active, is_queued, era, session,
// era session index, block, network name, token symbol, token decimals.
func (p *Processor) baseArgs(v *validator, info sessionInfo, block uint64) []string {
	args := []string{
		v.address,
		v.name,
		v.keysHex,
		strconv.FormatBool(v.active),
		strconv.FormatBool(v.queued),
		u32(info.era),
		u32(info.session),
		u32(info.eraSession),
		strconv.FormatUint(block, 10),
	}
	return append(args, p.networkArgs()...)
}

func (p *Processor) networkArgs() []string {
	return exposed(p.cfg.Expose.NetworkEnabled(),
		p.network.Name,
		p.network.TokenSymbol,
		strconv.FormatUint(uint64(p.network.TokenDecimals), 10))
}

func (p *Processor) pointsArgs(enabled bool, points substrate.EraRewardPoints, stash substrate.AccountID) []string {
	return exposed(enabled && p.cfg.Expose.EraPointsEnabled(),
		u32(points.PointsOf(stash)),
		u32(points.Average()))
}

// exposed returns vals, or a "-" for each of them when disabled.
func exposed(enabled bool, vals ...string) []string {
	if enabled {
		return vals
	}
	return placeholders(len(vals))
}

func placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "-"
	}
	return out
}

func u32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
