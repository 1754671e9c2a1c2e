package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEndpoints(t *testing.T) {
	ready := false
	srv := NewServer(":0", func() bool { return ready }, false)

	cases := []struct {
		path string
		code int
	}{
		{"/ping", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
		{"/debug/pprof/", http.StatusNotFound}, // pprof disabled
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, req)
		if rec.Code != c.code {
			t.Errorf("%s: code %d, want %d", c.path, rec.Code, c.code)
		}
	}

	ready = true
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/ready after startup: code %d", rec.Code)
	}
}
