package marketdata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"tradingcore/pkg/types"
)

// restFallback fetches raw L2 book snapshots with its own retrying HTTP
// client, deliberately separate from the resty client exchange.Client uses
// for authenticated trading calls: this path is unauthenticated, read-only,
// and tolerant of a slower retry/backoff policy since it only engages when
// the primary WebSocket feed has gone silent.
type restFallback struct {
	baseURL string
	client  *retryablehttp.Client
}

func newRESTFallback(baseURL string, logger *slog.Logger) *restFallback {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = &leveledSlog{logger.With("component", "marketdata_fallback")}
	return &restFallback{baseURL: baseURL, client: client}
}

func (f *restFallback) fetchBook(ctx context.Context, symbol string) (types.L2Book, error) {
	reqURL := fmt.Sprintf("%s/book?symbol=%s", f.baseURL, url.QueryEscape(symbol))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.L2Book{}, fmt.Errorf("build fallback request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return types.L2Book{}, fmt.Errorf("fallback book request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.L2Book{}, fmt.Errorf("fallback book request: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.L2Book{}, fmt.Errorf("read fallback book response: %w", err)
	}

	return parseBookSnapshot(symbol, body)
}

// leveledSlog adapts *slog.Logger to retryablehttp.LeveledLogger so the
// fallback client's own retry/backoff chatter flows through the same
// structured logging as the rest of the trading core.
type leveledSlog struct {
	logger *slog.Logger
}

func (l *leveledSlog) Error(msg string, kv ...interface{}) { l.logger.Error(msg, kv...) }
func (l *leveledSlog) Info(msg string, kv ...interface{})  { l.logger.Info(msg, kv...) }
func (l *leveledSlog) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, kv...) }
func (l *leveledSlog) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, kv...) }
