package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// HTTPProbe checks the inference server's `/health` control surface: a
// JSON body with at minimum a `status` field (`ok`/`loading`/...),
// optional body-substring match, and a `/v1/health` fallback tried when
// the primary path returns connection-refused.
type HTTPProbe struct {
	Host           string
	Port           int
	Path           string
	AcceptedStatus []int
	BodyContains   string
	Client         *http.Client
}

// NewHTTPProbe builds an HTTPProbe with the usual defaults
// (path "/health", accepted status {200}).
func NewHTTPProbe(host string, port int, path string, acceptedStatus []int, bodyContains string, timeout time.Duration) *HTTPProbe {
	if path == "" {
		path = "/health"
	}
	if len(acceptedStatus) == 0 {
		acceptedStatus = []int{200}
	}
	return &HTTPProbe{
		Host:           host,
		Port:           port,
		Path:           path,
		AcceptedStatus: acceptedStatus,
		BodyContains:   bodyContains,
		Client:         &http.Client{Timeout: timeout},
	}
}

type healthBody struct {
	Status          string `json:"status"`
	SlotsIdle       *int   `json:"slots_idle"`
	SlotsProcessing *int   `json:"slots_processing"`
}

func (h *HTTPProbe) Check(ctx context.Context) types.HealthCheckResult {
	start := time.Now()
	result, connErr := h.fetch(ctx, h.Path, start)
	if connErr && h.Path != "/v1/health" {
		if fallback, fallbackConnErr := h.fetch(ctx, "/v1/health", start); !fallbackConnErr {
			return fallback
		}
	}
	return result
}

// fetch issues the request and reports whether the failure was a
// connection-level error (as opposed to a bad status/body), so Check
// knows whether the fallback path is worth trying.
func (h *HTTPProbe) fetch(ctx context.Context, path string, start time.Time) (types.HealthCheckResult, bool) {
	url := fmt.Sprintf("http://%s:%d%s", h.Host, h.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthError,
			ElapsedMS: elapsedMS(start), Message: fmt.Sprintf("build request: %v", err),
		}, false
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthUnhealthy,
			ElapsedMS: elapsedMS(start), Message: fmt.Sprintf("request failed: %v", err),
		}, true
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	statusOK := false
	for _, s := range h.AcceptedStatus {
		if resp.StatusCode == s {
			statusOK = true
			break
		}
	}

	if h.BodyContains != "" && !strings.Contains(string(body), h.BodyContains) {
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthUnhealthy, StatusCode: resp.StatusCode,
			ElapsedMS: elapsedMS(start),
			Message:   fmt.Sprintf("response body missing required substring %q", h.BodyContains),
		}, false
	}

	var parsed healthBody
	_ = json.Unmarshal(body, &parsed)

	detail := map[string]interface{}{}
	if parsed.SlotsIdle != nil {
		detail["slots_idle"] = *parsed.SlotsIdle
	}
	if parsed.SlotsProcessing != nil {
		detail["slots_processing"] = *parsed.SlotsProcessing
	}

	if !statusOK {
		return types.HealthCheckResult{
			Success: false, Outcome: types.HealthUnhealthy, StatusCode: resp.StatusCode,
			ElapsedMS: elapsedMS(start),
			Message:   fmt.Sprintf("HTTP %d not in accepted set %v", resp.StatusCode, h.AcceptedStatus),
			Detail:    detail,
		}, false
	}

	outcome := types.HealthHealthy
	success := true
	if strings.EqualFold(parsed.Status, "loading") {
		outcome = types.HealthLoading
		success = false
	}

	return types.HealthCheckResult{
		Success: success, Outcome: outcome, StatusCode: resp.StatusCode,
		ElapsedMS: elapsedMS(start),
		Message:   fmt.Sprintf("HTTP %d, status=%q", resp.StatusCode, parsed.Status),
		Detail:    detail,
	}, false
}
