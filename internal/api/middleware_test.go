package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quarrylabs/quarry/internal/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	var ctxID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID, _ = requestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	requestIDMiddleware()(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	headerID := rec.Header().Get("X-Request-ID")
	if headerID == "" {
		t.Fatal("no X-Request-ID header")
	}
	if ctxID != headerID {
		t.Errorf("context id %q != header id %q", ctxID, headerID)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(testutil.DiscardLogger())(panicking).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRecoveryMiddleware_HeadersAlreadySent(t *testing.T) {
	t.Parallel()

	partial := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		panic("mid-stream")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(testutil.DiscardLogger())(partial).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	// The original status stands; no second response is attempted.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	t.Parallel()

	mw := corsMiddleware([]string{"https://app.example.com"})

	t.Run("allowed origin", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("allow-origin = %q", got)
		}
	})

	t.Run("unknown origin", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow-origin = %q, want none", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		mw(okHandler()).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("no allow-methods on preflight")
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	t.Run("production", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		setSecurityHeaders(rec, false)
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Error("no HSTS in production mode")
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("missing nosniff")
		}
	})

	t.Run("dev skips hsts", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		setSecurityHeaders(rec, true)
		if rec.Header().Get("Strict-Transport-Security") != "" {
			t.Error("HSTS set in dev mode")
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(0.0001, 2)

	if !rl.allow("1.2.3.4") {
		t.Fatal("first request denied")
	}
	if !rl.allow("1.2.3.4") {
		t.Fatal("second request denied within burst")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third request allowed past burst")
	}

	// Other IPs have independent buckets.
	if !rl.allow("5.6.7.8") {
		t.Error("fresh IP denied")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(0.0001, 1)
	handler := rateLimitMiddleware(rl, false, testutil.DiscardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("no Retry-After header")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		realIP     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "10.0.0.1:5555",
			want:       "10.0.0.1",
		},
		{
			name:       "proxy headers ignored when untrusted",
			remoteAddr: "10.0.0.1:5555",
			realIP:     "203.0.113.7",
			want:       "10.0.0.1",
		},
		{
			name:       "x-real-ip wins when trusted",
			remoteAddr: "10.0.0.1:5555",
			realIP:     "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for first hop",
			remoteAddr: "10.0.0.1:5555",
			forwarded:  "203.0.113.7, 10.0.0.2",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "invalid header falls back to remote addr",
			remoteAddr: "10.0.0.1:5555",
			realIP:     "not-an-ip",
			trustProxy: true,
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
