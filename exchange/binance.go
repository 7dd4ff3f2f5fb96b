package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"depthbook/orderbook"
	"depthbook/reconcile"
)

const maxSnapshotBody = 8 << 20

// BinanceConfig locates the spot REST and stream endpoints for one symbol
type BinanceConfig struct {
	RESTURL       string
	StreamURL     string
	Symbol        string
	SnapshotLimit int
	UpdateSpeed   string

	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
}

// SnapshotURL is the depth endpoint for the configured symbol and limit
func (c BinanceConfig) SnapshotURL() string {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(c.Symbol))
	if c.SnapshotLimit > 0 {
		q.Set("limit", strconv.Itoa(c.SnapshotLimit))
	}
	return strings.TrimRight(c.RESTURL, "/") + "/api/v3/depth?" + q.Encode()
}

// DepthStreamURL is the combined diff depth stream for the configured symbol
func (c BinanceConfig) DepthStreamURL() string {
	stream := strings.ToLower(c.Symbol) + "@depth"
	if c.UpdateSpeed != "" {
		stream += "@" + c.UpdateSpeed
	}
	return strings.TrimRight(c.StreamURL, "/") + "/stream?streams=" + stream
}

// Binance fetches depth snapshots over REST. Requests share one limiter so a
// resync storm cannot exceed the exchange request weight.
type Binance struct {
	cfg     BinanceConfig
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewBinance returns a snapshot fetcher for cfg
func NewBinance(cfg BinanceConfig, log zerolog.Logger) *Binance {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Binance{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With().Str("exchange", "binance").Logger(),
	}
}

// Config returns the endpoint configuration
func (b *Binance) Config() BinanceConfig {
	return b.cfg
}

// FetchSnapshot requests a depth snapshot. Non-200 responses are returned with
// their body and a nil error so the caller can decide to retry. A 200 body
// without lastUpdateId yields an error wrapping orderbook.ErrMissingVersion.
func (b *Binance) FetchSnapshot(ctx context.Context, rawURL string) (*reconcile.SnapshotResponse, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}
	b.log.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("took", time.Since(start)).
		Msg("snapshot response")

	out := &reconcile.SnapshotResponse{StatusCode: resp.StatusCode, Raw: body}
	if resp.StatusCode != http.StatusOK {
		return out, nil
	}
	snap, err := DecodeSnapshot(body)
	switch {
	case errors.Is(err, orderbook.ErrMissingVersion):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	out.Snapshot = snap
	return out, nil
}
