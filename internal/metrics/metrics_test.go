package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if probesTotal == nil || downloadsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveProbeAndDownload(t *testing.T) {
	ObserveProbe("metrics-test", "explore", "changed")
	ObserveProbe("metrics-test", "explore", "changed")
	if val := testutil.ToFloat64(probesTotal.WithLabelValues("metrics-test", "explore", "changed")); val != 2 {
		t.Errorf("Expected 2 probes, got %f", val)
	}

	ObserveDownload("metrics-test", "success", 128)
	if val := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("metrics-test")); val != 128 {
		t.Errorf("Expected 128 bytes, got %f", val)
	}

	ObserveFetch("https://Metrics.Test/book/1", "200", 10)
	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("metrics.test", "200")); val != 1 {
		t.Errorf("Expected one fetch for metrics.test, got %f", val)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	IncActiveWorkers("metrics-gauge")
	IncActiveWorkers("metrics-gauge")
	DecActiveWorkers("metrics-gauge")
	if val := testutil.ToFloat64(activeWorkers.WithLabelValues("metrics-gauge")); val != 1 {
		t.Errorf("Expected one active worker, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
