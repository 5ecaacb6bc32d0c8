// Package upstream implements the broker-agnostic market-data client (C2):
// it turns domain.UpstreamClient calls into authenticated HTTP requests
// against the configured historical/EOD endpoints. It never rate-limits
// itself -- every call first goes through an injected domain.RateLimiter,
// so the limiter's cross-process accounting stays authoritative. Recoverable
// upstream errors (rate-limit responses, transient 5xx/network failures)
// are retried here with bounded exponential backoff and jitter, since the
// fetcher (C6) deliberately does not loop retries inside a chunk.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
)

// ClassifiedError carries the machine-readable error_category an
// orchestrator (C10) stamps onto a failed TaskRun.
type ClassifiedError struct {
	Category string
	Err      error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Category, e.Err) }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Error categories recognized by the orchestrator's retry and reporting
// logic (spec.md §7). CategoryRateLimit and CategoryTransient are
// retried with backoff; CategoryRateLimiterUnavailable (the shared
// limiter's Acquire itself failing -- its backing store down, or the
// context deadline expiring while waiting for a slot) is a distinct,
// non-retried kind, since retrying it would just mean sleeping through
// the same unavailable dependency.
const (
	CategoryAuth                   = "auth"
	CategoryRateLimit              = "rate_limiter"
	CategoryRateLimiterUnavailable = "rate_limiter_unavailable"
	CategoryMalformed              = "malformed_response"
	CategoryTransient              = "transient"
)

const (
	maxAttempts = 3
	backoffBase = 250 * time.Millisecond
)

// Client is the upstream market-data client.
type Client struct {
	accessToken   string
	clientID      string
	historicalURL string
	eodURL        string
	sectorURL     string
	masterURL     string
	httpClient    *http.Client
	limiter       domain.RateLimiter
	log           zerolog.Logger
}

// NewClient builds an upstream client. limiter must already be the shared,
// process-wide C1 rate limiter -- the client acquires a token from it
// before every outbound request.
func NewClient(accessToken, clientID, historicalURL, eodURL, sectorURL, masterURL string, limiter domain.RateLimiter, log zerolog.Logger) *Client {
	return &Client{
		accessToken:   accessToken,
		clientID:      clientID,
		historicalURL: historicalURL,
		eodURL:        eodURL,
		sectorURL:     sectorURL,
		masterURL:     masterURL,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		limiter:       limiter,
		log:           log.With().Str("component", "upstream-client").Logger(),
	}
}

// Ping issues a cheap request to confirm the upstream is reachable and
// the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return &ClassifiedError{Category: CategoryRateLimiterUnavailable, Err: err}
	}
	_, err := c.get(ctx, c.historicalURL, url.Values{})
	return err
}

// classify maps a domain.SecurityType to the upstream's
// exchangeSegment/instrument wire values (spec.md §4.2).
func classify(t domain.SecurityType) (exchangeSegment, instrument string) {
	switch t {
	case domain.SecurityTypeIndex:
		return "IDX_I", "INDEX"
	case domain.SecurityTypeDerivative:
		return "NSE_FNO", "FUTSTK"
	default:
		return "NSE_EQ", "EQUITY"
	}
}

// classifyBodyErrorCode maps a /charts/historical error envelope's
// errorCode to an error category per spec.md §4.2/§6/§7's known-code
// table. Unrecognized codes are treated as malformed so callers don't
// retry against an upstream failure mode they can't interpret.
func classifyBodyErrorCode(code, message string) error {
	switch code {
	case "DH-904", "805":
		return &ClassifiedError{Category: CategoryRateLimit, Err: fmt.Errorf("upstream error %s: %s", code, message)}
	case "DH-901", "DH-808", "DH-809":
		return &ClassifiedError{Category: CategoryAuth, Err: fmt.Errorf("upstream error %s: %s", code, message)}
	default:
		return &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("upstream error %s: %s", code, message)}
	}
}

// withRetry calls fn, retrying with exponential backoff and jitter when
// fn fails with a CategoryRateLimit or CategoryTransient ClassifiedError
// -- spec.md §4.2/§7's "retried with backoff" error kinds. Any other
// error (including CategoryRateLimiterUnavailable, which signals the
// shared limiter's Acquire itself failed) is returned immediately. fn is
// expected to re-acquire the rate limiter on every call, so a retry
// re-enters the queue rather than reusing a stale acquisition.
func (c *Client) withRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	var body []byte
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, err = fn()
		if err == nil {
			return body, nil
		}

		var classified *ClassifiedError
		if !errors.As(err, &classified) {
			return nil, err
		}
		if classified.Category != CategoryRateLimit && classified.Category != CategoryTransient {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		backoff := backoffBase * time.Duration(1<<(attempt-1))
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)))
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).
			Msg("retrying upstream call after recoverable error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, err
}

// FetchHistorical fetches the full OHLCV history for one instrument over
// [from, to]. The returned bars are raw, un-validated -- C3 owns parsing
// and rejection.
func (c *Client) FetchHistorical(ctx context.Context, externalID int64, securityType domain.SecurityType, from, to time.Time) ([]domain.Bar, error) {
	exchangeSegment, instrument := classify(securityType)
	reqBody, err := json.Marshal(historicalRequest{
		SecurityID:      strconv.FormatInt(externalID, 10),
		ExchangeSegment: exchangeSegment,
		Instrument:      instrument,
		ExpiryCode:      0,
		OI:              false,
		FromDate:        from.Format("2006-01-02"),
		ToDate:          to.Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("encode historical request: %w", err)
	}

	var payload historicalResponse
	_, err = c.withRetry(ctx, func() ([]byte, error) {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, &ClassifiedError{Category: CategoryRateLimiterUnavailable, Err: err}
		}
		raw, err := c.post(ctx, c.historicalURL, reqBody)
		if err != nil {
			return nil, err
		}
		payload = historicalResponse{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("decode historical response: %w", err)}
		}
		if payload.Status == "error" {
			return nil, classifyBodyErrorCode(payload.ErrorCode, payload.ErrorMessage)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	n := len(payload.Timestamp)
	if len(payload.Open) != n || len(payload.High) != n || len(payload.Low) != n ||
		len(payload.Close) != n || len(payload.Volume) != n {
		return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("historical response arrays have mismatched lengths")}
	}

	bars := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(payload.Timestamp[i], 0).UTC(),
			Open:      payload.Open[i],
			High:      payload.High[i],
			Low:       payload.Low[i],
			Close:     payload.Close[i],
			Volume:    payload.Volume[i],
		})
	}
	return bars, nil
}

// FetchTodayEOD fetches today's end-of-day bar for a batch of instruments
// in a single request, keyed by the upstream's externalID.
func (c *Client) FetchTodayEOD(ctx context.Context, externalIDs []int64, segment domain.Segment) (map[int64]domain.Bar, error) {
	ids := make([]string, len(externalIDs))
	for i, id := range externalIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	q := url.Values{}
	q.Set("segment", string(segment))
	q.Set("ids", joinComma(ids))

	raw, err := c.withRetry(ctx, func() ([]byte, error) {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, &ClassifiedError{Category: CategoryRateLimiterUnavailable, Err: err}
		}
		return c.get(ctx, c.eodURL, q)
	})
	if err != nil {
		return nil, err
	}

	var payload eodResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("decode EOD response: %w", err)}
	}

	segmentData, ok := payload.Data[string(segment)]
	if !ok {
		return map[int64]domain.Bar{}, nil
	}

	result := make(map[int64]domain.Bar, len(segmentData))
	for externalIDStr, ohlc := range segmentData {
		externalID, err := strconv.ParseInt(externalIDStr, 10, 64)
		if err != nil {
			c.log.Warn().Str("external_id", externalIDStr).Msg("skipping EOD row with non-numeric external id")
			continue
		}
		result[externalID] = domain.Bar{
			Open:   ohlc.OHLC.Open,
			High:   ohlc.OHLC.High,
			Low:    ohlc.OHLC.Low,
			Close:  ohlc.OHLC.Close,
			Volume: ohlc.Volume,
		}
	}
	return result, nil
}

// Enrich looks up sector/industry/geography metadata for a batch of
// ISINs against the upstream's master-data feed. Matching is by ISIN
// only -- rows in the response keyed by anything else are ignored,
// since ISIN is the only stable cross-reference across exchanges.
func (c *Client) Enrich(ctx context.Context, isins []string) (map[string]domain.SectorInfo, error) {
	body, err := json.Marshal(sectorRequest{ISINs: isins})
	if err != nil {
		return nil, fmt.Errorf("encode sector request: %w", err)
	}

	raw, err := c.withRetry(ctx, func() ([]byte, error) {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, &ClassifiedError{Category: CategoryRateLimiterUnavailable, Err: err}
		}
		return c.post(ctx, c.sectorURL, body)
	})
	if err != nil {
		return nil, err
	}

	var payload sectorResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("decode sector response: %w", err)}
	}

	result := make(map[string]domain.SectorInfo, len(payload.Data))
	for _, row := range payload.Data {
		if row.ISIN == "" {
			continue
		}
		result[row.ISIN] = domain.SectorInfo{
			ISIN:             row.ISIN,
			Name:             row.Name,
			Currency:         row.Currency,
			FullExchangeName: row.FullExchangeName,
			MarketCode:       row.MarketCode,
			CountryOfRisk:    row.CountryOfRisk,
			Country:          row.Country,
			Sector:           row.Sector,
			Industry:         row.Industry,
		}
	}
	return result, nil
}

// FetchMaster downloads the tabular security master file C8's importer
// parses. The caller owns closing the returned reader.
func (c *Client) FetchMaster(ctx context.Context) (io.ReadCloser, error) {
	raw, err := c.withRetry(ctx, func() ([]byte, error) {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, &ClassifiedError{Category: CategoryRateLimiterUnavailable, Err: err}
		}
		return c.get(ctx, c.masterURL, url.Values{})
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (c *Client) post(ctx context.Context, target string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("access-token", c.accessToken)
	req.Header.Set("client-id", c.clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ClassifiedError{Category: CategoryTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClassifiedError{Category: CategoryTransient, Err: fmt.Errorf("read response body: %w", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &ClassifiedError{Category: CategoryAuth, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	case http.StatusTooManyRequests:
		return nil, &ClassifiedError{Category: CategoryRateLimit, Err: fmt.Errorf("upstream returned 429")}
	default:
		if resp.StatusCode >= 500 {
			return nil, &ClassifiedError{Category: CategoryTransient, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
		}
		return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(respBody, 500))}
	}
}

func (c *Client) get(ctx context.Context, base string, q url.Values) ([]byte, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("parse upstream URL: %w", err)}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("access-token", c.accessToken)
	req.Header.Set("client-id", c.clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ClassifiedError{Category: CategoryTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClassifiedError{Category: CategoryTransient, Err: fmt.Errorf("read response body: %w", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &ClassifiedError{Category: CategoryAuth, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	case http.StatusTooManyRequests:
		return nil, &ClassifiedError{Category: CategoryRateLimit, Err: fmt.Errorf("upstream returned 429")}
	default:
		if resp.StatusCode >= 500 {
			return nil, &ClassifiedError{Category: CategoryTransient, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
		}
		return nil, &ClassifiedError{Category: CategoryMalformed, Err: fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(body, 500))}
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

type historicalRequest struct {
	SecurityID      string `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	ExpiryCode      int    `json:"expiryCode"`
	OI              bool   `json:"oi"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
}

type historicalResponse struct {
	Status       string    `json:"status"`
	ErrorCode    string    `json:"errorCode"`
	ErrorMessage string    `json:"errorMessage"`
	Open         []float64 `json:"open"`
	High         []float64 `json:"high"`
	Low          []float64 `json:"low"`
	Close        []float64 `json:"close"`
	Volume       []int64   `json:"volume"`
	Timestamp    []int64   `json:"timestamp"`
}

type eodResponse struct {
	Data map[string]map[string]eodRow `json:"data"`
}

type eodRow struct {
	OHLC struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	Volume int64 `json:"volume"`
}

type sectorRequest struct {
	ISINs []string `json:"isin"`
}

type sectorResponse struct {
	Data []sectorRow `json:"data"`
}

type sectorRow struct {
	ISIN             string `json:"isin"`
	Name             string `json:"name"`
	Currency         string `json:"currency"`
	FullExchangeName string `json:"full_exchange_name"`
	MarketCode       string `json:"market_code"`
	CountryOfRisk    string `json:"country_of_risk"`
	Country          string `json:"country"`
	Sector           string `json:"sector"`
	Industry         string `json:"industry"`
}
