package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSignerRequired is returned by Submit when no signer key is configured.
var ErrSignerRequired = errors.New("signer key required")

// ErrCircuitOpen is returned while the gateway breaker is open.
var ErrCircuitOpen = errors.New("chain gateway circuit open")

// GatewayConfig configures the HTTP chain gateway client.
type GatewayConfig struct {
	BaseURL            string
	DistributorAddress string
	SignerKey          string
	Timeout            time.Duration
	MaxRetries         int
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Gateway talks to a chain gateway service that fronts the RPC node and
// holds the distributor contract ABI. It implements BalanceReader,
// DistributorReader and Submitter.
type Gateway struct {
	base       *url.URL
	address    string
	signerKey  string
	timeout    time.Duration
	maxRetries int
	client     *http.Client
	breaker    *circuitBreaker
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewGateway validates cfg. It returns ErrNotConfigured when the gateway URL
// or distributor address is missing.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.BaseURL == "" || cfg.DistributorAddress == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %s", SanitizeError(err))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		base:       base,
		address:    cfg.DistributorAddress,
		signerKey:  cfg.SignerKey,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		client:     cfg.HTTPClient,
		breaker:    newCircuitBreaker(5, 30*time.Second),
		logger:     cfg.Logger.With("component", "chain-gateway"),
		sleep:      sleepCtx,
	}, nil
}

// HasSigner reports whether submissions can be signed.
func (g *Gateway) HasSigner() bool { return g.signerKey != "" }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance,string"`
}

// ReadBalance implements BalanceReader.
func (g *Gateway) ReadBalance(ctx context.Context, address string) (int64, error) {
	var out balanceResponse
	if err := g.get(ctx, "/v1/accounts/"+url.PathEscape(address)+"/balance", &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

type distributionResponse struct {
	Exists          bool   `json:"exists"`
	Total           int64  `json:"total,string"`
	Distributed     bool   `json:"distributed"`
	ExecutionTxHash string `json:"execution_tx_hash"`
}

// GetDistribution implements DistributorReader.
func (g *Gateway) GetDistribution(ctx context.Context, monthID string) (Distribution, error) {
	var out distributionResponse
	path := "/v1/distributors/" + url.PathEscape(g.address) + "/distributions/" + url.PathEscape(monthID)
	if err := g.get(ctx, path, &out); err != nil {
		return Distribution{}, err
	}
	return Distribution(out), nil
}

type submitResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// Submit implements Submitter. Submissions are not retried here; the outbox
// worker owns retries and the call's idempotency key lets the gateway
// deduplicate.
func (g *Gateway) Submit(ctx context.Context, call Call) (Receipt, error) {
	if g.signerKey == "" {
		return Receipt{}, ErrSignerRequired
	}
	if !g.breaker.allow() {
		return Receipt{}, ErrCircuitOpen
	}

	body, err := json.Marshal(call)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.endpoint("/v1/distributors/"+url.PathEscape(g.address)+"/calls"), bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build request: %s", SanitizeError(err, g.signerKey))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.signerKey)
	req.Header.Set("Idempotency-Key", call.IdempotencyKey)

	resp, err := g.client.Do(req)
	if err != nil {
		g.breaker.failure()
		return Receipt{}, fmt.Errorf("submit %s: %s", call.Method, SanitizeError(err, g.signerKey))
	}
	defer func() { _ = resp.Body.Close() }()

	var out submitResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		g.breaker.success()
		switch out.Code {
		case "already_exists":
			return Receipt{TxHash: out.TxHash, BlockNumber: out.BlockNumber}, ErrAlreadyExists
		case "already_distributed":
			return Receipt{TxHash: out.TxHash, BlockNumber: out.BlockNumber}, ErrAlreadyDistributed
		case "distribution_missing":
			return Receipt{}, ErrDistributionMissing
		}
		return Receipt{}, fmt.Errorf("submit %s: conflict: %s", call.Method, SanitizeError(errors.New(out.Message), g.signerKey))
	case resp.StatusCode >= 500:
		g.breaker.failure()
		return Receipt{}, fmt.Errorf("submit %s: gateway status %d", call.Method, resp.StatusCode)
	case resp.StatusCode >= 300:
		g.breaker.success()
		return Receipt{}, fmt.Errorf("submit %s: gateway status %d: %s", call.Method, resp.StatusCode,
			SanitizeError(errors.New(out.Message), g.signerKey))
	}
	g.breaker.success()

	if out.TxHash == "" {
		return Receipt{}, fmt.Errorf("submit %s: gateway returned no tx hash", call.Method)
	}
	g.logger.InfoContext(ctx, "call submitted", "method", call.Method, "month", call.MonthID, "tx_hash", out.TxHash)
	return Receipt{TxHash: out.TxHash, BlockNumber: out.BlockNumber}, nil
}

func (g *Gateway) endpoint(path string) string {
	return g.base.String() + path
}

// get performs a read with bounded retries on transport errors and 5xx.
// Each attempt carries its own timeout. Only those faults count against the
// breaker; a 4xx or an undecodable body means the gateway itself answered.
func (g *Gateway) get(ctx context.Context, path string, out any) error {
	if !g.breaker.allow() {
		return ErrCircuitOpen
	}

	var (
		lastErr error
		fault   bool
	)
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoff(path, attempt-1, 100*time.Millisecond, 2*time.Second)); err != nil {
				return err
			}
		}

		var err error
		fault, err = g.getOnce(ctx, path, out)
		if err == nil {
			g.breaker.success()
			return nil
		}
		lastErr = err
		if !fault || ctx.Err() != nil {
			break
		}
		g.logger.DebugContext(ctx, "gateway read failed", "path", path, "attempt", attempt, "error", SanitizeError(err))
	}
	switch {
	case fault && ctx.Err() == nil:
		g.breaker.failure()
	case !fault:
		g.breaker.success()
	}
	return lastErr
}

// getOnce performs one read. fault reports a transport error or 5xx.
func (g *Gateway) getOnce(ctx context.Context, path string, out any) (fault bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(path), nil)
	if err != nil {
		return false, fmt.Errorf("build request: %s", SanitizeError(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("gateway read: %s", SanitizeError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("gateway read: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("gateway read: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return false, fmt.Errorf("gateway read: decode: %w", err)
	}
	return false, nil
}
