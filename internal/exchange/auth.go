package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"tradingcore/internal/config"
)

// Auth signs every authenticated REST call with the exchange's L2 HMAC-SHA256
// scheme: message = timestamp + method + requestPath [+ body], signed with
// the per-tenant API secret, alongside the API key and passphrase headers.
// The exchange is treated as an opaque REST+WebSocket endpoint — there is no
// on-chain wallet, no EIP-712 signing step, and credentials are never
// derived from a private key; they come straight from tenant configuration.
type Auth struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

// NewAuth builds an Auth from exchange configuration.
func NewAuth(cfg config.ExchangeConfig) *Auth {
	return &Auth{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.APIPassphrase,
	}
}

// HasCredentials reports whether all three credential fields are set.
func (a *Auth) HasCredentials() bool {
	return a.apiKey != "" && a.apiSecret != "" && a.passphrase != ""
}

// Headers returns the authenticated headers for an HMAC-signed request.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"EX-API-KEY":    a.apiKey,
		"EX-SIGNATURE":  sig,
		"EX-TIMESTAMP":  timestamp,
		"EX-PASSPHRASE": a.passphrase,
	}, nil
}

// WSAuthPayload returns the credential triplet sent once on connection to
// the authenticated user WebSocket channel.
func (a *Auth) WSAuthPayload() map[string]string {
	return map[string]string{
		"api_key":    a.apiKey,
		"secret":     a.apiSecret,
		"passphrase": a.passphrase,
	}
}

// sign computes the HMAC-SHA256 signature over timestamp+method+path[+body],
// base64url-encoded. The secret itself arrives base64-encoded from the
// exchange (in one of a handful of common variants), so decoding tries each
// in turn before giving up.
func (a *Auth) sign(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.apiSecret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
