// Package metricsbackend implements the HTTP client the rest of the
// pipeline uses to reach the operator's monitoring stack: a
// Prometheus-compatible instant/range query API for everything the
// Verifier, the Proactive/Anomaly loops, and the reasoning oracle's
// query_metric_history tool need, and a Loki-compatible log query API
// for query_loki_logs.
//
// Grounded on internal/reasoning/planner.go's HTTP-client-plus-circuit-
// breaker idiom: a timeout-bound http.Client wrapped in a gobreaker so a
// degraded monitoring stack fails fast instead of blocking every caller
// behind a dead backend.
package metricsbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/potatorick/jarvis/internal/proactive"
)

// Config points the client at the operator's Prometheus and Loki (or
// Loki-compatible) endpoints. LokiURL may be empty, in which case
// QueryLogs reports logs as unavailable rather than erroring the whole
// tool call.
type Config struct {
	PrometheusURL string
	LokiURL       string
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Client implements verifier.MetricsBackend, proactive.MetricsSource,
// gateway.MetricsQuerier, and gateway.LogQuerier against one monitoring
// stack, so every subsystem that needs metrics/logs shares one breaker
// and one HTTP client rather than each opening its own.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New builds a Client. A circuit breaker opens after 5 consecutive
// failed requests and stays open for 15s, the same shape as the
// reasoning oracle's breaker but tuned shorter since a metrics backend
// blip is cheaper to retry than a burned LLM call.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "metrics-backend",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, body)
		}
		return body, nil
	})
}

type promQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  [2]interface{}    `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

func (c *Client) instantQuery(ctx context.Context, promQL string) (*promQueryResponse, error) {
	if c.cfg.PrometheusURL == "" {
		return nil, fmt.Errorf("no prometheus url configured")
	}
	u := fmt.Sprintf("%s/api/v1/query?query=%s", c.cfg.PrometheusURL, url.QueryEscape(promQL))
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var parsed promQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse prometheus response: %w", err)
	}
	return &parsed, nil
}

func scalarValue(v [2]interface{}) float64 {
	s, ok := v[1].(string)
	if !ok {
		return 0
	}
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f
}

// IsFiring implements verifier.MetricsBackend: an ALERTS{alertname=...}
// series with value 1 means still firing.
func (c *Client) IsFiring(ctx context.Context, alertName string, labels map[string]string) (bool, error) {
	promQL := fmt.Sprintf(`ALERTS{alertname=%q}`, alertName)
	if instance := labels["instance"]; instance != "" {
		promQL = fmt.Sprintf(`ALERTS{alertname=%q,instance=%q}`, alertName, instance)
	}
	resp, err := c.instantQuery(ctx, promQL)
	if err != nil {
		return false, err
	}
	for _, r := range resp.Data.Result {
		if scalarValue(r.Value) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// QueryMetricHistory implements gateway.MetricsQuerier, backing the
// oracle's query_metric_history tool.
func (c *Client) QueryMetricHistory(ctx context.Context, metric, rangeSpec string, predictExhaustion bool) (string, error) {
	promQL := metric
	if rangeSpec != "" {
		promQL = fmt.Sprintf("%s[%s]", metric, rangeSpec)
	}
	if predictExhaustion {
		promQL = fmt.Sprintf("predict_linear(%s[6h], 86400)", promQL)
	}
	resp, err := c.instantQuery(ctx, promQL)
	if err != nil {
		return "", err
	}
	body, _ := json.Marshal(resp.Data.Result)
	return string(body), nil
}

type lokiQueryResponse struct {
	Data struct {
		Result []struct {
			Values [][2]string `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// QueryLogs implements gateway.LogQuerier, backing the oracle's
// query_loki_logs tool. queryType selects the LogQL label the target
// value is matched against ("container" or "host").
func (c *Client) QueryLogs(ctx context.Context, queryType, target string, minutes int) (string, error) {
	if c.cfg.LokiURL == "" {
		return "", fmt.Errorf("no loki url configured")
	}
	label := "host"
	if queryType == "container" {
		label = "container"
	}
	logQL := fmt.Sprintf(`{%s=%q}`, label, target)
	since := time.Duration(minutes) * time.Minute
	u := fmt.Sprintf("%s/loki/api/v1/query_range?query=%s&start=%d",
		c.cfg.LokiURL, url.QueryEscape(logQL), time.Now().Add(-since).UnixNano())

	body, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}
	var parsed lokiQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse loki response: %w", err)
	}

	lines := make([]string, 0)
	for _, stream := range parsed.Data.Result {
		for _, v := range stream.Values {
			lines = append(lines, v[1])
		}
	}
	out, _ := json.Marshal(lines)
	return string(out), nil
}

// The remaining methods implement proactive.MetricsSource, translating
// the five trend checks and the anomaly baseline lookup into PromQL.

func (c *Client) DiskForecasts(ctx context.Context) ([]proactive.DiskForecast, error) {
	resp, err := c.instantQuery(ctx, `(node_filesystem_avail_bytes / (-deriv(node_filesystem_avail_bytes[6h]))) / 3600`)
	if err != nil {
		return nil, err
	}
	out := make([]proactive.DiskForecast, 0, len(resp.Data.Result))
	for _, r := range resp.Data.Result {
		out = append(out, proactive.DiskForecast{
			Host:        r.Metric["instance"],
			Mount:       r.Metric["mountpoint"],
			HoursToFull: scalarValue(r.Value),
		})
	}
	return out, nil
}

func (c *Client) CertExpirations(ctx context.Context) ([]proactive.CertExpiration, error) {
	resp, err := c.instantQuery(ctx, `(probe_ssl_earliest_cert_expiry - time()) / 86400`)
	if err != nil {
		return nil, err
	}
	out := make([]proactive.CertExpiration, 0, len(resp.Data.Result))
	for _, r := range resp.Data.Result {
		out = append(out, proactive.CertExpiration{
			Host:          r.Metric["instance"],
			Name:          r.Metric["instance"],
			DaysRemaining: scalarValue(r.Value),
		})
	}
	return out, nil
}

func (c *Client) ContainerMemoryGrowth(ctx context.Context) ([]proactive.ContainerMemoryGrowth, error) {
	resp, err := c.instantQuery(ctx, `deriv(container_memory_usage_bytes[6h]) * 3600 / 1048576`)
	if err != nil {
		return nil, err
	}
	out := make([]proactive.ContainerMemoryGrowth, 0, len(resp.Data.Result))
	for _, r := range resp.Data.Result {
		out = append(out, proactive.ContainerMemoryGrowth{
			Host:      r.Metric["instance"],
			Container: r.Metric["name"],
			MBPerHour: scalarValue(r.Value),
		})
	}
	return out, nil
}

func (c *Client) ContainerRestartRates(ctx context.Context) ([]proactive.ContainerRestartRate, error) {
	resp, err := c.instantQuery(ctx, `rate(container_restarts_total[1h]) * 3600`)
	if err != nil {
		return nil, err
	}
	out := make([]proactive.ContainerRestartRate, 0, len(resp.Data.Result))
	for _, r := range resp.Data.Result {
		out = append(out, proactive.ContainerRestartRate{
			Host:            r.Metric["instance"],
			Container:       r.Metric["name"],
			RestartsPerHour: scalarValue(r.Value),
		})
	}
	return out, nil
}

func (c *Client) StaleBackups(ctx context.Context) ([]proactive.BackupStatus, error) {
	resp, err := c.instantQuery(ctx, `(time() - backup_last_success_timestamp_seconds) / 3600`)
	if err != nil {
		return nil, err
	}
	out := make([]proactive.BackupStatus, 0, len(resp.Data.Result))
	for _, r := range resp.Data.Result {
		out = append(out, proactive.BackupStatus{
			Host:           r.Metric["instance"],
			Job:            r.Metric["job"],
			HoursSinceLast: scalarValue(r.Value),
		})
	}
	return out, nil
}

// MonitoredMetrics and Baseline back the z-score anomaly loop; which
// metrics are under anomaly watch is a deployment choice, so the PromQL
// list is the single knob an operator edits for their own fleet.
var anomalyMetrics = []string{
	`node_load1`,
	`rate(node_network_receive_bytes_total[5m])`,
}

func (c *Client) MonitoredMetrics(ctx context.Context) ([]proactive.MetricSample, error) {
	var out []proactive.MetricSample
	for _, q := range anomalyMetrics {
		resp, err := c.instantQuery(ctx, q)
		if err != nil {
			continue
		}
		for _, r := range resp.Data.Result {
			out = append(out, proactive.MetricSample{
				Metric: q,
				Host:   r.Metric["instance"],
				Value:  scalarValue(r.Value),
			})
		}
	}
	return out, nil
}

func (c *Client) Baseline(ctx context.Context, metric, host string) (proactive.Baseline, error) {
	meanQL := fmt.Sprintf(`avg_over_time((%s)[7d:1h])`, metric)
	stddevQL := fmt.Sprintf(`stddev_over_time((%s)[7d:1h])`, metric)

	mean, err := c.scalarFor(ctx, meanQL, host)
	if err != nil {
		return proactive.Baseline{}, err
	}
	stddev, err := c.scalarFor(ctx, stddevQL, host)
	if err != nil {
		return proactive.Baseline{}, err
	}
	return proactive.Baseline{Mean: mean, StdDev: stddev}, nil
}

func (c *Client) scalarFor(ctx context.Context, promQL, host string) (float64, error) {
	resp, err := c.instantQuery(ctx, promQL)
	if err != nil {
		return 0, err
	}
	for _, r := range resp.Data.Result {
		if r.Metric["instance"] == host || host == "" {
			return scalarValue(r.Value), nil
		}
	}
	return 0, nil
}
