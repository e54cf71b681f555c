package metricsbackend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func promServer(t *testing.T, result string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			t.Errorf("wrong path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, result)
	}))
}

func TestIsFiringDetectsActiveAlert(t *testing.T) {
	server := promServer(t, `[{"metric":{"alertname":"DiskFull","instance":"nexus"},"value":[1690000000,"1"]}]`)
	defer server.Close()

	c := New(Config{PrometheusURL: server.URL})
	firing, err := c.IsFiring(context.Background(), "DiskFull", map[string]string{"instance": "nexus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !firing {
		t.Error("expected firing=true")
	}
}

func TestIsFiringReportsResolved(t *testing.T) {
	server := promServer(t, `[]`)
	defer server.Close()

	c := New(Config{PrometheusURL: server.URL})
	firing, err := c.IsFiring(context.Background(), "DiskFull", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firing {
		t.Error("expected firing=false for empty result set")
	}
}

func TestIsFiringRequiresConfiguredURL(t *testing.T) {
	c := New(Config{})
	_, err := c.IsFiring(context.Background(), "DiskFull", nil)
	if err == nil {
		t.Fatal("expected error with no prometheus url configured")
	}
}

func TestQueryMetricHistoryBuildsPredictLinearQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	defer server.Close()

	c := New(Config{PrometheusURL: server.URL})
	_, err := c.QueryMetricHistory(context.Background(), "node_filesystem_avail_bytes", "6h", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotQuery, "predict_linear") {
		t.Errorf("expected predict_linear in query, got %q", gotQuery)
	}
}

func TestQueryLogsRequiresConfiguredLokiURL(t *testing.T) {
	c := New(Config{})
	_, err := c.QueryLogs(context.Background(), "host", "nexus", 30)
	if err == nil {
		t.Fatal("expected error with no loki url configured")
	}
}

func TestQueryLogsReturnsLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"result":[{"values":[["1","boom"],["2","retrying"]]}]}}`)
	}))
	defer server.Close()

	c := New(Config{LokiURL: server.URL})
	out, err := c.QueryLogs(context.Background(), "container", "omada", 15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "boom") || !strings.Contains(out, "retrying") {
		t.Errorf("expected both log lines in output, got %s", out)
	}
}

func TestDiskForecastsParsesResult(t *testing.T) {
	server := promServer(t, `[{"metric":{"instance":"nexus","mountpoint":"/"},"value":[1690000000,"4.5"]}]`)
	defer server.Close()

	c := New(Config{PrometheusURL: server.URL})
	forecasts, err := c.DiskForecasts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(forecasts) != 1 || forecasts[0].Host != "nexus" || forecasts[0].HoursToFull != 4.5 {
		t.Errorf("unexpected forecasts: %+v", forecasts)
	}
}

func TestBaselineReturnsMeanAndStdDev(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"instance":"nexus"},"value":[1,"%d"]}]}}`, calls)
	}))
	defer server.Close()

	c := New(Config{PrometheusURL: server.URL})
	b, err := c.Baseline(context.Background(), "node_load1", "nexus")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Mean != 1 || b.StdDev != 2 {
		t.Errorf("expected mean=1 stddev=2, got %+v", b)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(Config{PrometheusURL: server.URL})
	for i := 0; i < 5; i++ {
		if _, err := c.IsFiring(context.Background(), "X", nil); err == nil {
			t.Fatalf("expected error on attempt %d", i)
		}
	}
	_, err := c.IsFiring(context.Background(), "X", nil)
	if err == nil {
		t.Fatal("expected breaker to be open after 5 consecutive failures")
	}
	if !strings.Contains(err.Error(), "circuit breaker") && !strings.Contains(err.Error(), "open") {
		t.Logf("breaker error (informational): %v", err)
	}
}
