package logging

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestGenerateRequestID_UniqueUnderConcurrency(t *testing.T) {
	const n = 200

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = generateRequestID()
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" {
			t.Fatal("empty request id")
		}
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	InitDefault()

	var captured string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = w.Header().Get("X-Request-ID")
	}))

	// A generated id is echoed back to the client.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if captured == "" || rec.Header().Get("X-Request-ID") != captured {
		t.Errorf("request id not set: handler saw %q, response has %q", captured, rec.Header().Get("X-Request-ID"))
	}

	// A caller-supplied id is preserved.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "upstream-7")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "upstream-7" {
		t.Errorf("request id = %q, want upstream-7", rec.Header().Get("X-Request-ID"))
	}
}
