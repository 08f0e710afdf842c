package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/sites/{site}/books/{num}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	r.Post("/v1/sites/{site}/sweeps/{kind}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/v1/sites/hjwzw/books/1", "/v1/sites/hjwzw/books/2"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
	}
	resp, err := http.Post(ts.URL+"/v1/sites/hjwzw/sweeps/update", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected first status to win, got %d", resp.StatusCode)
	}

	books := httpRequestsTotal.WithLabelValues("GET", "/v1/sites/{site}/books/{num}", "200")
	if val := testutil.ToFloat64(books); val != 2 {
		t.Errorf("expected 2 book requests under one series, got %f", val)
	}
	sweeps := httpRequestsTotal.WithLabelValues("POST", "/v1/sites/{site}/sweeps/{kind}", "409")
	if val := testutil.ToFloat64(sweeps); val != 1 {
		t.Errorf("expected 1 conflicting sweep request, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}
