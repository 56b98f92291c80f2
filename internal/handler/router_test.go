package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/idlink/internal/middleware"
	"github.com/hitoshi/idlink/internal/model"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping() error {
	return m.err
}

func newTestRouter(t *testing.T, pinger Pinger) http.Handler {
	t.Helper()

	st := &mockEntityStore{
		findByFieldFn: func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
			return nil, nil
		},
		findByEmailFn: func(ctx context.Context, email string) (*model.Entity, error) {
			return nil, nil
		},
		createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
			return model.NewEntityWithID("new-id", typeTag, props), nil
		},
	}
	v := &mockVerifier{
		resolveFn: func(ctx context.Context, externalToken string) (*model.ResolvedIdentity, error) {
			return testIdentity(), nil
		},
	}

	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(60))
	t.Cleanup(rl.Stop)

	return NewRouter(&RouterDeps{
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		AuthHandler:       NewAuthHandler(v, newTestEngine(st), AuthHandlerConfig{}),
		Pinger:            pinger,
	})
}

func TestRouter_SignInRoute(t *testing.T) {
	router := newTestRouter(t, nil)

	req := signInRequest("valid-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestRouter_SignInRejectsGet(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestRouter_Healthz(t *testing.T) {
	tests := []struct {
		name       string
		pinger     Pinger
		wantStatus int
	}{
		{"DB疎通OK", &mockPinger{}, http.StatusOK},
		{"DB疎通NG", &mockPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
		{"Pingerなし", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, tt.pinger)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_UnknownRouteIs404(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
