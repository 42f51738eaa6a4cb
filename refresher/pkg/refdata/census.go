package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/metrics"
	"github.com/gridscoutlabs/gridscout/utils/pkg/retry"
)

// DefaultCensusURL is the ACS 5-year estimates endpoint used for
// population figures.
const DefaultCensusURL = "https://api.census.gov/data/2023/acs/acs5"

// populationColumn is the ACS variable for total population.
const populationColumn = "B01003_001E"

const (
	censusRequestTimeout = 5 * time.Second

	// The breaker opens after this many consecutive terminal failures
	// and stays open for breakerOpenFor, so a census outage costs one
	// retry budget per region at most five times before lookups
	// short-circuit straight to estimates.
	breakerFailureLimit = 5
	breakerOpenFor      = 30 * time.Second
)

// censusRetry gives each census fetch an initial attempt plus three
// retries backing off 1s, 2s, 4s.
var censusRetry = retry.Config{
	MaxAttempts: 4,
	BaseBackoff: time.Second,
	MaxBackoff:  4 * time.Second,
}

// CensusStatusError carries a non-2xx census response status.
type CensusStatusError struct {
	Code int
}

func (e *CensusStatusError) Error() string {
	return fmt.Sprintf("census returned status %d", e.Code)
}

func (e *CensusStatusError) StatusCode() int { return e.Code }

// ErrRegionUnknown reports a region the census has no row for.
// Callers treat it like any other terminal failure: estimate.
var ErrRegionUnknown = errors.New("region not present in census response")

type CensusConfig struct {
	Logger *slog.Logger
	APIKey string

	// BaseURL overrides the census endpoint, mainly for tests.
	BaseURL string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Retry overrides the attempt budget, mainly for tests.
	Retry retry.Config
}

func (cfg *CensusConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCensusURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = censusRetry
	}
	return nil
}

// RegionPopulation is one region's population as reported live by the
// census.
type RegionPopulation struct {
	Name       string
	Population int64
}

// CensusClient fetches population figures from the census API. All
// fetches run through a shared circuit breaker so that an outage stops
// costing full retry budgets after a handful of failures.
type CensusClient struct {
	log     *slog.Logger
	cfg     CensusConfig
	breaker *gobreaker.CircuitBreaker
}

func NewCensusClient(cfg CensusConfig) (*CensusClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &CensusClient{log: cfg.Logger, cfg: cfg}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "census",
		Timeout: breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureLimit
		},
		IsSuccessful: func(err error) bool {
			// A canceled caller says nothing about census health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("census: breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// StatePopulation fetches one state's population by two-digit FIPS.
func (c *CensusClient) StatePopulation(ctx context.Context, stateFIPS string) (RegionPopulation, error) {
	rows, err := c.fetch(ctx, url.Values{
		"get": {"NAME," + populationColumn},
		"for": {"state:" + stateFIPS},
	})
	if err != nil {
		return RegionPopulation{}, err
	}
	return singleRegion(rows)
}

// CountyPopulation fetches one county's population by five-digit FIPS.
func (c *CensusClient) CountyPopulation(ctx context.Context, countyFIPS string) (RegionPopulation, error) {
	if len(countyFIPS) != 5 {
		return RegionPopulation{}, fmt.Errorf("invalid county fips %q", countyFIPS)
	}
	rows, err := c.fetch(ctx, url.Values{
		"get": {"NAME," + populationColumn},
		"for": {"county:" + countyFIPS[2:]},
		"in":  {"state:" + countyFIPS[:2]},
	})
	if err != nil {
		return RegionPopulation{}, err
	}
	return singleRegion(rows)
}

// ZipPopulations fetches populations for up to one census request's
// worth of ZCTA codes. Codes the census does not recognize are simply
// absent from the result, never an error.
func (c *CensusClient) ZipPopulations(ctx context.Context, zips []string) (map[string]RegionPopulation, error) {
	if len(zips) == 0 {
		return map[string]RegionPopulation{}, nil
	}
	rows, err := c.fetch(ctx, url.Values{
		"get": {"NAME," + populationColumn},
		"for": {"zip code tabulation area:" + strings.Join(zips, ",")},
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]RegionPopulation, len(rows))
	for _, r := range rows {
		if len(r.geo) == 0 {
			continue
		}
		out[r.geo[len(r.geo)-1]] = RegionPopulation{Name: r.name, Population: r.population}
	}
	return out, nil
}

// fetch runs one logical census query: breaker outermost, then the
// retry budget, then a single timed request per attempt.
func (c *CensusClient) fetch(ctx context.Context, params url.Values) ([]censusRow, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var rows []censusRow
		err := retry.Do(ctx, c.cfg.Retry, func() error {
			var err error
			rows, err = c.get(ctx, params)
			return err
		})
		return rows, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CensusRequestsTotal.WithLabelValues("short_circuit").Inc()
			return nil, fmt.Errorf("census unavailable: %w", err)
		}
		metrics.CensusRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CensusRequestsTotal.WithLabelValues("success").Inc()
	return result.([]censusRow), nil
}

func (c *CensusClient) get(ctx context.Context, params url.Values) ([]censusRow, error) {
	reqCtx, cancel := context.WithTimeout(ctx, censusRequestTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse census url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build census request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query census: %w", err)
	}
	defer resp.Body.Close()

	// 204 means the requested geography matched nothing.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CensusStatusError{Code: resp.StatusCode}
	}

	// The census answers with an array of string arrays, headers first.
	var raw [][]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode census response: %w", err)
	}
	return parseCensusRows(raw)
}

// censusRow is one decoded data row: the display name, the parsed
// population, and the trailing geography columns in response order.
type censusRow struct {
	name       string
	population int64
	geo        []string
}

func parseCensusRows(raw [][]string) ([]censusRow, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	header := raw[0]
	nameIdx, popIdx := -1, -1
	for i, h := range header {
		switch h {
		case "NAME":
			nameIdx = i
		case populationColumn:
			popIdx = i
		}
	}
	if popIdx == -1 {
		return nil, fmt.Errorf("census response missing %s column", populationColumn)
	}

	// Geography columns are appended after the requested variables.
	geoStart := popIdx + 1
	if nameIdx > popIdx {
		geoStart = nameIdx + 1
	}

	out := make([]censusRow, 0, len(raw)-1)
	for _, cols := range raw[1:] {
		if len(cols) != len(header) {
			return nil, errors.New("census response row width mismatch")
		}
		pop, err := strconv.ParseInt(cols[popIdx], 10, 64)
		if err != nil || pop < 0 {
			// Suppressed-data sentinels are negative; skip the row so
			// the caller falls back to an estimate.
			continue
		}
		row := censusRow{population: pop, geo: cols[geoStart:]}
		if nameIdx >= 0 {
			row.name = cols[nameIdx]
		}
		out = append(out, row)
	}
	return out, nil
}

func singleRegion(rows []censusRow) (RegionPopulation, error) {
	if len(rows) == 0 {
		return RegionPopulation{}, ErrRegionUnknown
	}
	return RegionPopulation{Name: rows[0].name, Population: rows[0].population}, nil
}
