// Package ecm is a minimal client for the Cradlepoint ECM v2 API, covering
// the handful of read endpoints needed to pull every configuration layer of
// one device group: router listing, per-router configuration managers, the
// group configuration and the firmware default configuration.
package ecm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/amickel/configuration-layer-analysis/internal/metrics"
)

// DefaultBaseURL is the production ECM API root.
const DefaultBaseURL = "https://www.cradlepointecm.com/api/v2"

// Source labels for the non-device configuration layers. Device layers use
// the router id as their source label.
const (
	SourceGroup   = "group"
	SourceDefault = "default"
)

// Credentials is the ECM v2 API key pair set, sent as headers on every
// request.
type Credentials struct {
	CPAPIID   string
	CPAPIKey  string
	ECMAPIID  string
	ECMAPIKey string
}

// Options tune the client. Zero values fall back to the ECM defaults the
// vendor documents (500-row pages, 100-router filter chunks) and the retry
// policy of the original tooling (10 attempts, 1s exponential backoff).
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	MaxAttempts    int
	InitialBackoff time.Duration
	PageLimit      int
	ChunkSize      int
}

type Client struct {
	log            zerolog.Logger
	creds          Credentials
	httpClient     *http.Client
	baseURL        string
	maxAttempts    int
	initialBackoff time.Duration
	pageLimit      int
	chunkSize      int
	metrics        *metrics.Metrics
}

func New(log zerolog.Logger, creds Credentials, opts Options, m *metrics.Metrics) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	initialBackoff := opts.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 500
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}

	return &Client{
		log:            log,
		creds:          creds,
		httpClient:     httpClient,
		baseURL:        baseURL,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		pageLimit:      pageLimit,
		chunkSize:      chunkSize,
		metrics:        m,
	}
}

// StatusError is a non-2xx response that survived (or bypassed) the retry
// policy.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ecm: GET %s returned HTTP %d", e.URL, e.Status)
}

// The ECM API throttles and load-sheds with these; everything else is
// treated as a hard failure.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-CP-API-ID", c.creds.CPAPIID)
	req.Header.Set("X-CP-API-KEY", c.creds.CPAPIKey)
	req.Header.Set("X-ECM-API-ID", c.creds.ECMAPIID)
	req.Header.Set("X-ECM-API-KEY", c.creds.ECMAPIKey)
	req.Header.Set("Content-Type", "application/json")
}

// getJSON issues a GET with the credential headers and decodes the response
// body into dst, retrying connection errors and throttling statuses with
// exponential backoff.
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, dst any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.IncECMRequest(endpoint, "retried")
			c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("ecm request failed, retrying")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			serr := &StatusError{Status: resp.StatusCode, URL: req.URL.Path}
			if retryableStatus(resp.StatusCode) {
				c.metrics.IncECMRequest(endpoint, "retried")
				c.log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("ecm request throttled, retrying")
				return serr
			}
			c.metrics.IncECMRequest(endpoint, "error")
			return backoff.Permanent(serr)
		}

		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			c.metrics.IncECMRequest(endpoint, "error")
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", endpoint, err))
		}

		c.metrics.IncECMRequest(endpoint, "ok")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx))
}

type routerPage struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	Meta struct {
		Next *string `json:"next"`
	} `json:"meta"`
}

// ListRouterIDs returns every router id in the group, following pagination.
func (c *Client) ListRouterIDs(ctx context.Context, groupID string) ([]string, error) {
	next := fmt.Sprintf("%s/routers/?group=%s&fields=id&limit=%d",
		c.baseURL, url.QueryEscape(groupID), c.pageLimit)

	var ids []string
	for next != "" {
		var page routerPage
		if err := c.getJSON(ctx, "routers", next, &page); err != nil {
			return nil, fmt.Errorf("list routers for group %s: %w", groupID, err)
		}
		for _, r := range page.Data {
			ids = append(ids, r.ID)
		}
		if page.Meta.Next == nil {
			break
		}
		next = *page.Meta.Next
	}
	return ids, nil
}

type groupFieldsResponse struct {
	Configuration  json.RawMessage `json:"configuration"`
	TargetFirmware string          `json:"target_firmware"`
}

// GroupConfig returns the group-level configuration layer. The API ships the
// configuration as an [additions, removals] pair; only additions are
// returned, removal lists are not supported.
func (c *Client) GroupConfig(ctx context.Context, groupID string) (map[string]any, error) {
	u := fmt.Sprintf("%s/groups/%s/?fields=configuration", c.baseURL, url.PathEscape(groupID))

	var resp groupFieldsResponse
	if err := c.getJSON(ctx, "group_config", u, &resp); err != nil {
		return nil, fmt.Errorf("fetch group %s configuration: %w", groupID, err)
	}
	layer, err := decodeLayer(resp.Configuration)
	if err != nil {
		return nil, fmt.Errorf("decode group %s configuration: %w", groupID, err)
	}
	return layer, nil
}

// DefaultConfig returns the default configuration of the group's target
// firmware.
func (c *Client) DefaultConfig(ctx context.Context, groupID string) (map[string]any, error) {
	u := fmt.Sprintf("%s/groups/%s/?fields=target_firmware", c.baseURL, url.PathEscape(groupID))

	var resp groupFieldsResponse
	if err := c.getJSON(ctx, "group_firmware", u, &resp); err != nil {
		return nil, fmt.Errorf("fetch group %s target firmware: %w", groupID, err)
	}
	if resp.TargetFirmware == "" {
		return nil, fmt.Errorf("group %s has no target firmware", groupID)
	}

	var raw json.RawMessage
	fwURL := strings.TrimRight(resp.TargetFirmware, "/") + "/default_configuration/"
	if err := c.getJSON(ctx, "default_configuration", fwURL, &raw); err != nil {
		return nil, fmt.Errorf("fetch default configuration for group %s: %w", groupID, err)
	}
	layer, err := decodeLayer(raw)
	if err != nil {
		return nil, fmt.Errorf("decode default configuration for group %s: %w", groupID, err)
	}
	return layer, nil
}

type managerPage struct {
	Data []struct {
		Configuration json.RawMessage `json:"configuration"`
		Router        struct {
			ID string `json:"id"`
		} `json:"router"`
	} `json:"data"`
	Meta struct {
		Next *string `json:"next"`
	} `json:"meta"`
}

// RouterConfigs returns the device-level configuration layer per router id,
// fetched via the configuration_managers endpoint in chunks. Routers with an
// empty or malformed configuration are absent from the result; that is not
// an error.
func (c *Client) RouterConfigs(ctx context.Context, routerIDs []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(routerIDs))

	for start := 0; start < len(routerIDs); start += c.chunkSize {
		end := min(start+c.chunkSize, len(routerIDs))
		chunk := routerIDs[start:end]

		next := fmt.Sprintf("%s/configuration_managers/?router__in=%s&expand=router&limit=%d",
			c.baseURL, url.QueryEscape(strings.Join(chunk, ",")), c.pageLimit)

		for next != "" {
			var page managerPage
			if err := c.getJSON(ctx, "configuration_managers", next, &page); err != nil {
				return nil, fmt.Errorf("fetch configuration managers: %w", err)
			}
			for _, mgr := range page.Data {
				if mgr.Router.ID == "" {
					continue
				}
				layer, err := decodeLayer(mgr.Configuration)
				if err != nil {
					c.log.Warn().Err(err).Str("router_id", mgr.Router.ID).Msg("skipping malformed router configuration")
					continue
				}
				if len(layer) == 0 {
					continue
				}
				out[mgr.Router.ID] = layer
			}
			if page.Meta.Next == nil {
				break
			}
			next = *page.Meta.Next
		}
	}
	return out, nil
}

// decodeLayer normalizes a configuration payload into a plain nested map.
// The API wraps most configurations in an [additions, removals] pair;
// removal lists are ignored. Empty and null payloads decode to an empty
// layer.
func decodeLayer(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}

	if trimmed[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return nil, err
		}
		if len(pair) == 0 {
			return map[string]any{}, nil
		}
		trimmed = bytes.TrimSpace(pair[0])
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return map[string]any{}, nil
		}
	}

	var layer map[string]any
	if err := json.Unmarshal(trimmed, &layer); err != nil {
		return nil, err
	}
	if layer == nil {
		layer = map[string]any{}
	}
	return layer, nil
}
