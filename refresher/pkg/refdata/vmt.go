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
	"time"

	"github.com/gridscoutlabs/gridscout/utils/pkg/retry"
)

// DefaultVMTURL is the county vehicle-miles-traveled feature service.
const DefaultVMTURL = "https://geo.dot.gov/server/rest/services/Hosted/County_VMT/FeatureServer/0/query"

const (
	vmtRequestTimeout = 5 * time.Second
	defaultVMTPage    = 1000

	vmtFIPSField   = "COUNTY_FIPS"
	vmtAnnualField = "ANNUAL_VMT"
)

var vmtRetry = retry.Config{
	MaxAttempts: 4,
	BaseBackoff: time.Second,
	MaxBackoff:  4 * time.Second,
}

// VMTStatusError carries a non-2xx VMT service response status.
type VMTStatusError struct {
	Code int
}

func (e *VMTStatusError) Error() string {
	return fmt.Sprintf("vmt service returned status %d", e.Code)
}

func (e *VMTStatusError) StatusCode() int { return e.Code }

type VMTConfig struct {
	Logger *slog.Logger

	// BaseURL overrides the feature service endpoint, mainly for tests.
	BaseURL string

	// PageSize caps records per request. The service may return fewer.
	PageSize int

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Retry overrides the attempt budget, mainly for tests.
	Retry retry.Config
}

func (cfg *VMTConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultVMTURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultVMTPage
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = vmtRetry
	}
	return nil
}

// VMTClient pages through the county VMT feature service.
type VMTClient struct {
	log *slog.Logger
	cfg VMTConfig
}

func NewVMTClient(cfg VMTConfig) (*VMTClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VMTClient{log: cfg.Logger, cfg: cfg}, nil
}

// FetchAll walks the feature service with resultOffset paging until the
// service stops reporting exceededTransferLimit, and returns every
// county record with a well-formed FIPS code.
func (c *VMTClient) FetchAll(ctx context.Context) ([]VMTRecord, error) {
	var out []VMTRecord
	offset := 0
	for {
		page, more, err := c.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			if len(rec.CountyFIPS) != 5 {
				c.log.Debug("vmt: skipping record with malformed fips", "fips", rec.CountyFIPS)
				continue
			}
			out = append(out, rec)
		}
		if !more || len(page) == 0 {
			break
		}
		offset += len(page)
	}
	c.log.Info("vmt: fetched county records", "counties", len(out))
	return out, nil
}

type vmtResponse struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"features"`
	ExceededTransferLimit bool `json:"exceededTransferLimit"`
	Error                 *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// attrString reads an attribute that should be a string. Some feature
// services store FIPS codes numerically, which drops leading zeros, so
// numbers are zero-padded back to five digits.
func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%05.0f", v)
	}
	return ""
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (c *VMTClient) fetchPage(ctx context.Context, offset int) (page []VMTRecord, more bool, err error) {
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		page, more, err = c.getPage(ctx, offset)
		return err
	})
	return page, more, err
}

func (c *VMTClient) getPage(ctx context.Context, offset int) ([]VMTRecord, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, vmtRequestTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse vmt url: %w", err)
	}
	q := u.Query()
	q.Set("where", "1=1")
	q.Set("outFields", vmtFIPSField+","+vmtAnnualField)
	q.Set("returnGeometry", "false")
	q.Set("orderByFields", vmtFIPSField)
	q.Set("resultOffset", strconv.Itoa(offset))
	q.Set("resultRecordCount", strconv.Itoa(c.cfg.PageSize))
	q.Set("f", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build vmt request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query vmt service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, &VMTStatusError{Code: resp.StatusCode}
	}

	var body vmtResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("failed to decode vmt response: %w", err)
	}
	// ArcGIS reports errors inside a 200 body.
	if body.Error != nil {
		return nil, false, fmt.Errorf("vmt service error %d: %s", body.Error.Code, body.Error.Message)
	}

	page := make([]VMTRecord, 0, len(body.Features))
	for _, f := range body.Features {
		annual, ok := attrFloat(f.Attributes, vmtAnnualField)
		if !ok {
			continue
		}
		page = append(page, VMTRecord{
			CountyFIPS: attrString(f.Attributes, vmtFIPSField),
			AnnualVMT:  annual,
		})
	}
	return page, body.ExceededTransferLimit, nil
}
