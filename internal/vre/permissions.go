package vre

import "tradingcore/pkg/types"

// Permission is the per-investor-profile trading envelope for a given
// regime: whether the regime is tradeable at all, whether pyramiding
// (adding to an existing winning position) is allowed, and the position
// size multiplier applied on top of the base sizing from the Signal Engine.
type Permission struct {
	Allowed           bool
	PyramidingAllowed bool
	SizeMultiplier    float64
}

// profileTable mirrors the regime-permission table: allowed regimes,
// pyramiding eligibility, and max position multiplier (with a HIGH/EXTREME
// override where the table documents one).
var profileTable = map[types.InvestorProfile]map[types.RegimeLevel]Permission{
	types.ProfileConservative: {
		types.RegimeLow:     {true, false, 0.80},
		types.RegimeNormal:  {true, false, 0.80},
		types.RegimeHigh:    {false, false, 0},
		types.RegimeExtreme: {false, false, 0},
	},
	types.ProfileModerate: {
		types.RegimeLow:     {true, false, 0.90},
		types.RegimeNormal:  {true, false, 0.90},
		types.RegimeHigh:    {true, false, 1.00},
		types.RegimeExtreme: {false, false, 0},
	},
	types.ProfileAggressive: {
		types.RegimeLow:     {true, false, 1.00},
		types.RegimeNormal:  {true, false, 1.00},
		types.RegimeHigh:    {true, false, 1.00},
		types.RegimeExtreme: {true, false, 1.10},
	},
	types.ProfileSuperAgg: {
		types.RegimeLow:     {true, false, 1.10},
		types.RegimeNormal:  {true, false, 1.10},
		types.RegimeHigh:    {true, true, 1.10},
		types.RegimeExtreme: {true, true, 1.25},
	},
	types.ProfileFund: {
		types.RegimeLow:     {true, true, 1.25},
		types.RegimeNormal:  {true, true, 1.25},
		types.RegimeHigh:    {true, true, 1.25},
		types.RegimeExtreme: {true, true, 1.25},
	},
}

// Permit returns the trading envelope for profile in regime.
func Permit(profile types.InvestorProfile, regime types.RegimeLevel) Permission {
	if byRegime, ok := profileTable[profile]; ok {
		if p, ok := byRegime[regime]; ok {
			return p
		}
	}
	return Permission{}
}

// capBps is the (spread, slippage) ceiling in basis points per regime,
// beyond which an entry is rejected.
type capBps struct {
	spreadBps   float64
	slippageBps float64
}

var regimeCaps = map[types.RegimeLevel]capBps{
	types.RegimeLow:     {12, 8},
	types.RegimeNormal:  {10, 6},
	types.RegimeHigh:    {8, 5},
	types.RegimeExtreme: {6, 4},
}

// WithinCaps reports whether the observed spread and slippage estimate
// (both in bps) are within the regime's documented ceilings.
func WithinCaps(regime types.RegimeLevel, spreadBps, slippageBps float64) bool {
	c, ok := regimeCaps[regime]
	if !ok {
		return false
	}
	return spreadBps <= c.spreadBps && slippageBps <= c.slippageBps
}
