package stations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultRegistryURL is the public alternative-fuel station registry
// endpoint.
const DefaultRegistryURL = "https://developer.nrel.gov/api/alt_fuel_stations/v1.json"

// StatusError carries a non-2xx registry response status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned status %d", e.Code)
}

func (e *StatusError) StatusCode() int { return e.Code }

type RegistryConfig struct {
	Logger *slog.Logger
	APIKey string

	// BaseURL overrides the registry endpoint, mainly for tests.
	BaseURL string

	// HTTPClient overrides the default client. The default bounds the
	// wait for response headers at 5s but leaves the body read governed
	// by the caller's context, since the full payload is tens of
	// megabytes.
	HTTPClient *http.Client
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRegistryURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 5 * time.Second,
			},
		}
	}
	return nil
}

// Registry streams station records from the upstream registry. The full
// payload is decoded token by token so it is never buffered in memory.
type Registry struct {
	log *slog.Logger
	cfg RegistryConfig
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{log: cfg.Logger, cfg: cfg}, nil
}

// Each fetches the complete registry of open U.S. electric stations and
// invokes fn once per raw record, in response order. A non-nil error
// from fn stops the stream and is returned unchanged.
func (r *Registry) Each(ctx context.Context, fn func(RawStation) error) error {
	u, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse registry url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", r.cfg.APIKey)
	q.Set("fuel_type", "ELEC")
	q.Set("country", "US")
	q.Set("limit", "all")
	q.Set("status", "E")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused, then report.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return &StatusError{Code: resp.StatusCode}
	}

	return r.decodeStations(resp.Body, fn)
}

// decodeStations walks the {"fuel_stations": [...]} envelope, streaming
// each array element through fn. Keys other than fuel_stations (result
// counts, paging hints) are skipped.
func (r *Registry) decodeStations(body io.Reader, fn func(RawStation) error) error {
	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read registry payload: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("unexpected registry payload start: %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read registry key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected registry key token: %v", keyTok)
		}

		if key != "fuel_stations" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("failed to skip registry field %q: %w", key, err)
			}
			continue
		}

		arrTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read fuel_stations array: %w", err)
		}
		if d, ok := arrTok.(json.Delim); !ok || d != '[' {
			return fmt.Errorf("fuel_stations is not an array: %v", arrTok)
		}

		count := 0
		for dec.More() {
			var raw RawStation
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("failed to decode station record %d: %w", count, err)
			}
			if err := fn(raw); err != nil {
				return err
			}
			count++
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("failed to read fuel_stations array end: %w", err)
		}
		r.log.Debug("registry: streamed station records", "count", count)
	}

	return nil
}
