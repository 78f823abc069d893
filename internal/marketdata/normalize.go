package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// maxLevelMagnitude rejects any price or quantity whose absolute value
// exceeds this, guarding against corrupted or misscaled exchange payloads.
const maxLevelMagnitude = "1000000000000" // 1e12

var maxMagnitude = decimal.RequireFromString(maxLevelMagnitude)

// rawLevel decodes one order book level that may arrive either
// object-shaped ({"price":"1.2","quantity":"3.4"}) or array-shaped
// (["1.2","3.4"]), matching the two wire formats exchanges commonly emit.
type rawLevel struct {
	price    string
	quantity string
}

func (r *rawLevel) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil // left zero-valued; normalizeLevels drops it
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 2 {
			return fmt.Errorf("array-shaped level must have exactly 2 elements, got %d", len(arr))
		}
		r.price, r.quantity = strings.Trim(string(arr[0]), `"`), strings.Trim(string(arr[1]), `"`)
		return nil
	}

	var obj struct {
		Price    json.RawMessage `json:"price"`
		Quantity json.RawMessage `json:"quantity"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("level is neither array- nor object-shaped: %w", err)
	}
	r.price, r.quantity = strings.Trim(string(obj.Price), `"`), strings.Trim(string(obj.Quantity), `"`)
	return nil
}

// rawBookSnapshot is the wire envelope for a full L2 book fetched over REST.
type rawBookSnapshot struct {
	Symbol    string     `json:"symbol"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
	Timestamp time.Time  `json:"timestamp"`
}

// parseBookSnapshot decodes raw REST book JSON into a normalized L2Book,
// accepting both object- and array-shaped levels and silently dropping any
// level that is null, non-numeric, non-positive, or whose magnitude exceeds
// maxLevelMagnitude.
func parseBookSnapshot(fallbackSymbol string, data []byte) (types.L2Book, error) {
	var raw rawBookSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return types.L2Book{}, fmt.Errorf("decode book snapshot: %w", err)
	}

	symbol := raw.Symbol
	if symbol == "" {
		symbol = fallbackSymbol
	}
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return types.L2Book{
		Symbol:    symbol,
		Bids:      normalizeLevels(raw.Bids),
		Asks:      normalizeLevels(raw.Asks),
		Timestamp: ts,
	}, nil
}

func normalizeLevels(raw []rawLevel) []types.L2Level {
	out := make([]types.L2Level, 0, len(raw))
	for _, rl := range raw {
		price, err := decimal.NewFromString(rl.price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(rl.quantity)
		if err != nil {
			continue
		}
		if !price.IsPositive() || !qty.IsPositive() {
			continue
		}
		if price.Abs().GreaterThan(maxMagnitude) || qty.Abs().GreaterThan(maxMagnitude) {
			continue
		}
		out = append(out, types.L2Level{Price: price, Quantity: qty})
	}
	return out
}
