package config

import "testing"

func validConfig() Config {
	c := Default()
	c.Exchange.RESTBaseURL = "https://exchange.example.com"
	c.Exchange.APIKey = "key"
	c.MarketData.Symbols = []string{"BTC/USD"}
	c.Store.DSN = "trading.db"
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no rest url", func(c *Config) { c.Exchange.RESTBaseURL = "" }},
		{"no api key", func(c *Config) { c.Exchange.APIKey = "" }},
		{"no symbols", func(c *Config) { c.MarketData.Symbols = nil }},
		{"no dsn", func(c *Config) { c.Store.DSN = "" }},
		{"bad staleness order", func(c *Config) { c.Staleness.HardSeconds = c.Staleness.WarnSeconds }},
		{"bad vre window", func(c *Config) { c.VRE.WindowLong = c.VRE.WindowShort }},
		{"zero confirmations", func(c *Config) { c.VRE.KConfirmations = 0 }},
		{"zero daily loss", func(c *Config) { c.Breaker.GlobalMaxDailyLossPct = 0 }},
		{"zero drawdown threshold", func(c *Config) { c.Campaign.MaxDrawdownThreshold = 0 }},
		{"zero tick interval", func(c *Config) { c.Campaign.TickInterval = 0 }},
	}

	for _, tt := range tests {
		c := validConfig()
		tt.mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
}
