package durable

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// riskFingerprint is a change-detection cache: a cheap digest of every
// risk-ledger field except last_audit_ts, so a 5s campaign loop that left
// risk state unchanged apart from its audit timestamp never issues a write.
func riskFingerprint(rs types.CampaignRiskState) string {
	var b strings.Builder
	b.WriteString(rs.CurrentEquity.String())
	b.WriteString("|")
	b.WriteString(rs.EquityHighWatermark.String())
	b.WriteString("|")
	b.WriteString(rs.DailyPnL.String())
	b.WriteString("|")
	b.WriteString(rs.DailyLossPct.String())
	b.WriteString("|")
	b.WriteString(rs.CurrentDDPct.String())
	b.WriteString("|")
	b.WriteString(boolFlag(rs.CBDailyTriggered))
	b.WriteString(boolFlag(rs.CBCampaignTriggered))

	pairs := make([]string, 0, len(rs.LossInRByPair))
	for k, v := range rs.LossInRByPair {
		pairs = append(pairs, k+"="+v.String())
	}
	sort.Strings(pairs)
	b.WriteString(strings.Join(pairs, ","))

	cbPairs := make([]string, 0, len(rs.CBPairTriggered))
	for k, v := range rs.CBPairTriggered {
		cbPairs = append(cbPairs, k+"="+boolFlag(v))
	}
	sort.Strings(cbPairs)
	b.WriteString("|" + strings.Join(cbPairs, ","))
	b.WriteString("|" + strings.Join(rs.CurrentTradableSet, ","))
	for _, t := range []time.Time{rs.CBCooldownUntil, rs.LastRebalanceTS, rs.LastDailyResetTS} {
		b.WriteString("|" + t.UTC().String())
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// UpsertRiskState writes a campaign's risk ledger, skipping the write
// entirely when the new state fingerprints identically to the last one
// written for this campaign.
func (s *Store) UpsertRiskState(ctx context.Context, rs types.CampaignRiskState) error {
	fp := riskFingerprint(rs)

	s.riskCacheMu.Lock()
	if s.riskCache[rs.CampaignID] == fp {
		s.riskCacheMu.Unlock()
		return nil
	}
	s.riskCacheMu.Unlock()

	lossMap, err := json.Marshal(decimalMapToStrings(rs.LossInRByPair))
	if err != nil {
		return fmt.Errorf("durable: marshal loss_in_r_by_pair: %w", err)
	}
	cbMap, err := json.Marshal(rs.CBPairTriggered)
	if err != nil {
		return fmt.Errorf("durable: marshal cb_pair_triggered: %w", err)
	}
	tradable, err := json.Marshal(rs.CurrentTradableSet)
	if err != nil {
		return fmt.Errorf("durable: marshal current_tradable_set: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaign_risk_states (
			campaign_id, current_equity, equity_high_watermark, daily_pnl,
			daily_loss_pct, current_dd_pct, loss_in_r_by_pair, cb_pair_triggered,
			cb_daily_triggered, cb_campaign_triggered, cb_cooldown_until,
			current_tradable_set, last_rebalance_ts, last_audit_ts, last_daily_reset_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id) DO UPDATE SET
			current_equity = excluded.current_equity,
			equity_high_watermark = excluded.equity_high_watermark,
			daily_pnl = excluded.daily_pnl,
			daily_loss_pct = excluded.daily_loss_pct,
			current_dd_pct = excluded.current_dd_pct,
			loss_in_r_by_pair = excluded.loss_in_r_by_pair,
			cb_pair_triggered = excluded.cb_pair_triggered,
			cb_daily_triggered = excluded.cb_daily_triggered,
			cb_campaign_triggered = excluded.cb_campaign_triggered,
			cb_cooldown_until = excluded.cb_cooldown_until,
			current_tradable_set = excluded.current_tradable_set,
			last_rebalance_ts = excluded.last_rebalance_ts,
			last_audit_ts = excluded.last_audit_ts,
			last_daily_reset_ts = excluded.last_daily_reset_ts`,
		rs.CampaignID, rs.CurrentEquity.String(), rs.EquityHighWatermark.String(), rs.DailyPnL.String(),
		rs.DailyLossPct.String(), rs.CurrentDDPct.String(), string(lossMap), string(cbMap),
		rs.CBDailyTriggered, rs.CBCampaignTriggered, nullTime(rs.CBCooldownUntil),
		string(tradable), nullTime(rs.LastRebalanceTS), nullTime(rs.LastAuditTS), nullTime(rs.LastDailyResetTS))
	if err != nil {
		return fmt.Errorf("durable: upsert risk state %s: %w", rs.CampaignID, err)
	}

	s.riskCacheMu.Lock()
	s.riskCache[rs.CampaignID] = fp
	s.riskCacheMu.Unlock()
	return nil
}

// GetRiskState fetches a campaign's risk ledger.
func (s *Store) GetRiskState(ctx context.Context, campaignID string) (types.CampaignRiskState, error) {
	var (
		rs                                            types.CampaignRiskState
		currentEquity, equityHWM, dailyPnL            string
		dailyLossPct, currentDD                        string
		lossMapRaw, cbMapRaw, tradableRaw              string
		cooldown, rebalance, audit, dailyReset         sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT campaign_id, current_equity, equity_high_watermark, daily_pnl,
			daily_loss_pct, current_dd_pct, loss_in_r_by_pair, cb_pair_triggered,
			cb_daily_triggered, cb_campaign_triggered, cb_cooldown_until,
			current_tradable_set, last_rebalance_ts, last_audit_ts, last_daily_reset_ts
		FROM campaign_risk_states WHERE campaign_id = ?`, campaignID)
	err := row.Scan(&rs.CampaignID, &currentEquity, &equityHWM, &dailyPnL,
		&dailyLossPct, &currentDD, &lossMapRaw, &cbMapRaw,
		&rs.CBDailyTriggered, &rs.CBCampaignTriggered, &cooldown,
		&tradableRaw, &rebalance, &audit, &dailyReset)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CampaignRiskState{}, ErrNotFound
	}
	if err != nil {
		return types.CampaignRiskState{}, fmt.Errorf("durable: get risk state %s: %w", campaignID, err)
	}

	if rs.CurrentEquity, err = decimal.NewFromString(currentEquity); err != nil {
		return types.CampaignRiskState{}, err
	}
	if rs.EquityHighWatermark, err = decimal.NewFromString(equityHWM); err != nil {
		return types.CampaignRiskState{}, err
	}
	if rs.DailyPnL, err = decimal.NewFromString(dailyPnL); err != nil {
		return types.CampaignRiskState{}, err
	}
	if rs.DailyLossPct, err = decimal.NewFromString(dailyLossPct); err != nil {
		return types.CampaignRiskState{}, err
	}
	if rs.CurrentDDPct, err = decimal.NewFromString(currentDD); err != nil {
		return types.CampaignRiskState{}, err
	}

	var lossStrings map[string]string
	if err := json.Unmarshal([]byte(lossMapRaw), &lossStrings); err != nil {
		return types.CampaignRiskState{}, fmt.Errorf("durable: unmarshal loss_in_r_by_pair: %w", err)
	}
	rs.LossInRByPair, err = stringsToDecimalMap(lossStrings)
	if err != nil {
		return types.CampaignRiskState{}, err
	}
	if err := json.Unmarshal([]byte(cbMapRaw), &rs.CBPairTriggered); err != nil {
		return types.CampaignRiskState{}, fmt.Errorf("durable: unmarshal cb_pair_triggered: %w", err)
	}
	if err := json.Unmarshal([]byte(tradableRaw), &rs.CurrentTradableSet); err != nil {
		return types.CampaignRiskState{}, fmt.Errorf("durable: unmarshal current_tradable_set: %w", err)
	}

	rs.CBCooldownUntil = parseNullTime(cooldown)
	rs.LastRebalanceTS = parseNullTime(rebalance)
	rs.LastAuditTS = parseNullTime(audit)
	rs.LastDailyResetTS = parseNullTime(dailyReset)
	return rs, nil
}

func decimalMapToStrings(m map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

func stringsToDecimalMap(m map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("durable: parse loss_in_r_by_pair[%s]=%q: %w", k, v, err)
		}
		out[k] = d
	}
	return out, nil
}
