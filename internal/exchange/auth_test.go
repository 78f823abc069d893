package exchange

import (
	"encoding/base64"
	"testing"

	"tradingcore/internal/config"
)

func testAuth() *Auth {
	return NewAuth(config.ExchangeConfig{
		APIKey:        "key-1",
		APISecret:     base64.URLEncoding.EncodeToString([]byte("super-secret")),
		APIPassphrase: "pass-1",
	})
}

func TestHeadersIncludesAllFourFields(t *testing.T) {
	t.Parallel()

	a := testAuth()
	headers, err := a.Headers("POST", "/orders", `{"symbol":"BTC/USD"}`)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	for _, k := range []string{"EX-API-KEY", "EX-SIGNATURE", "EX-TIMESTAMP", "EX-PASSPHRASE"} {
		if headers[k] == "" {
			t.Errorf("missing header %s", k)
		}
	}
	if headers["EX-API-KEY"] != "key-1" || headers["EX-PASSPHRASE"] != "pass-1" {
		t.Errorf("headers = %+v, want api key/passphrase passthrough", headers)
	}
}

func TestHeadersSignatureChangesWithBody(t *testing.T) {
	t.Parallel()

	a := testAuth()
	h1, err := a.Headers("POST", "/orders", `{"a":1}`)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	h2, err := a.Headers("POST", "/orders", `{"a":2}`)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	if h1["EX-SIGNATURE"] == h2["EX-SIGNATURE"] {
		t.Fatal("expected different bodies to produce different signatures")
	}
}

func TestHasCredentials(t *testing.T) {
	t.Parallel()

	a := NewAuth(config.ExchangeConfig{})
	if a.HasCredentials() {
		t.Fatal("empty config should report no credentials")
	}

	a = testAuth()
	if !a.HasCredentials() {
		t.Fatal("fully populated config should report credentials present")
	}
}

func TestWSAuthPayloadCarriesAllThreeFields(t *testing.T) {
	t.Parallel()

	a := testAuth()
	payload := a.WSAuthPayload()
	if payload["api_key"] != "key-1" || payload["passphrase"] != "pass-1" || payload["secret"] == "" {
		t.Errorf("payload = %+v", payload)
	}
}
