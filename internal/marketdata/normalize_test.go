package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseBookSnapshotAcceptsObjectShapedLevels(t *testing.T) {
	t.Parallel()
	raw := `{"symbol":"BTC/USD","bids":[{"price":"100.5","quantity":"2"}],"asks":[{"price":"101","quantity":"1"}]}`

	book, err := parseBookSnapshot("BTC/USD", []byte(raw))
	if err != nil {
		t.Fatalf("parseBookSnapshot: %v", err)
	}
	if len(book.Bids) != 1 || !book.Bids[0].Price.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("bids = %+v", book.Bids)
	}
}

func TestParseBookSnapshotAcceptsArrayShapedLevels(t *testing.T) {
	t.Parallel()
	raw := `{"symbol":"BTC/USD","bids":[["100.5","2"]],"asks":[["101","1"]]}`

	book, err := parseBookSnapshot("BTC/USD", []byte(raw))
	if err != nil {
		t.Fatalf("parseBookSnapshot: %v", err)
	}
	if len(book.Bids) != 1 || !book.Bids[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("bids = %+v", book.Bids)
	}
}

func TestParseBookSnapshotRejectsNonPositiveAndOversizedLevels(t *testing.T) {
	t.Parallel()
	raw := `{"symbol":"BTC/USD","bids":[
		{"price":"0","quantity":"1"},
		{"price":"-5","quantity":"1"},
		{"price":"5000000000000","quantity":"1"},
		{"price":"100","quantity":"1"}
	],"asks":[]}`

	book, err := parseBookSnapshot("BTC/USD", []byte(raw))
	if err != nil {
		t.Fatalf("parseBookSnapshot: %v", err)
	}
	if len(book.Bids) != 1 {
		t.Fatalf("bids = %+v, want exactly the one valid level", book.Bids)
	}
	if !book.Bids[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("surviving bid price = %s, want 100", book.Bids[0].Price)
	}
}

func TestParseBookSnapshotRejectsNonNumericAndNullLevels(t *testing.T) {
	t.Parallel()
	raw := `{"symbol":"BTC/USD","bids":[
		{"price":"NaN","quantity":"1"},
		null,
		{"price":"100","quantity":"1"}
	],"asks":[]}`

	book, err := parseBookSnapshot("BTC/USD", []byte(raw))
	if err != nil {
		t.Fatalf("parseBookSnapshot: %v", err)
	}
	if len(book.Bids) != 1 {
		t.Fatalf("bids = %+v, want exactly the one valid level", book.Bids)
	}
}

func TestParseBookSnapshotFallsBackToGivenSymbol(t *testing.T) {
	t.Parallel()
	raw := `{"bids":[],"asks":[]}`

	book, err := parseBookSnapshot("ETH/USD", []byte(raw))
	if err != nil {
		t.Fatalf("parseBookSnapshot: %v", err)
	}
	if book.Symbol != "ETH/USD" {
		t.Errorf("symbol = %q, want fallback ETH/USD", book.Symbol)
	}
}
