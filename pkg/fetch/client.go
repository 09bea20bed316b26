package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/skylens/ingest-pacer/pkg/warehouse"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_fetch_requests_total",
		Help: "Total fetch requests by status",
	}, []string{"status"})

	fetchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pacer_fetch_duration_seconds",
		Help:    "Fetch request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacer_fetch_errors_total",
		Help: "Total fetch errors by class",
	}, []string{"class"})
)

// Page is one page of a day's export.
type Page struct {
	Rows    []warehouse.Row
	HasMore bool
}

// Fetcher retrieves one page of one tenant's metrics for one calendar day.
// Implementations return *Error so callers can classify failures.
type Fetcher interface {
	FetchDay(ctx context.Context, tenantKey string, day time.Time, startRow, pageSize int) (*Page, error)
}

// Config holds HTTP fetcher settings.
type Config struct {
	// BaseURL is the export API endpoint, e.g. "https://api.example.com".
	BaseURL string

	// UserAgent identifies this client to the upstream API.
	UserAgent string

	// Timeout bounds a single page request.
	Timeout time.Duration
}

// DefaultConfig returns safe fetcher defaults (BaseURL must still be set).
func DefaultConfig() Config {
	return Config{
		UserAgent: "ingest-pacer/1.0",
		Timeout:   30 * time.Second,
	}
}

// Client is the HTTP implementation of Fetcher.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger
}

// NewClient creates an HTTP fetcher.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fetcher base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// wireRow is the upstream JSON row shape.
type wireRow struct {
	Dimension   string `json:"dimension"`
	Impressions int64  `json:"impressions"`
	Clicks      int64  `json:"clicks"`
	CostMicros  int64  `json:"cost_micros"`
}

type wireResponse struct {
	Rows []wireRow `json:"rows"`
}

// FetchDay fetches one page of the tenant's metrics for the given day.
// Failures carry a *Error classification; transport errors are classified as
// server errors since the taxonomy treats them as transient.
func (c *Client) FetchDay(ctx context.Context, tenantKey string, day time.Time, startRow, pageSize int) (*Page, error) {
	start := time.Now()
	defer func() {
		fetchDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	query := url.Values{}
	query.Set("tenant", tenantKey)
	query.Set("date", warehouse.DateKey(day))
	query.Set("start_row", strconv.Itoa(startRow))
	query.Set("page_size", strconv.Itoa(pageSize))

	endpoint := c.cfg.BaseURL + "/v1/metrics/daily?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fetchErrorsTotal.WithLabelValues(string(ClassServer)).Inc()
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &Error{Class: ClassServer, Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := ClassifyStatus(resp.StatusCode)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("tenant", tenantKey).
			Str("date", warehouse.DateKey(day)).
			Int("status", resp.StatusCode).
			Str("class", string(class)).
			Msg("Fetch request failed")
		return nil, &Error{Class: class, Status: resp.StatusCode, Message: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ClassServer)).Inc()
		return nil, &Error{Class: ClassServer, Status: resp.StatusCode, Message: "read response body", Err: err}
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		fetchErrorsTotal.WithLabelValues(string(ClassPermanent)).Inc()
		return nil, &Error{Class: ClassPermanent, Status: resp.StatusCode, Message: "malformed response payload", Err: err}
	}

	rows := make([]warehouse.Row, 0, len(wire.Rows))
	dayUTC := day.UTC()
	for _, wr := range wire.Rows {
		rows = append(rows, warehouse.Row{
			TenantKey:   tenantKey,
			EventDate:   dayUTC,
			Dimension:   wr.Dimension,
			Impressions: wr.Impressions,
			Clicks:      wr.Clicks,
			CostMicros:  wr.CostMicros,
		})
	}

	c.logger.Debug().
		Str("tenant", tenantKey).
		Str("date", warehouse.DateKey(day)).
		Int("start_row", startRow).
		Int("rows", len(rows)).
		Msg("Fetched page")

	return &Page{
		Rows:    rows,
		HasMore: len(rows) >= pageSize,
	}, nil
}
