package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/idlink/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// サインイン
	AuthHandler *AuthHandler

	// ヘルスチェック
	Pinger Pinger
}

// Pinger はヘルスチェックで疎通確認する対象。
type Pinger interface {
	Ping() error
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → LoggingMiddleware → RecoveryMiddleware
//
// レート制限はサインインルートのみに適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())

	// サインイン（レート制限あり）
	r.Route("/auth", func(r chi.Router) {
		r.With(deps.RateLimiter.Middleware()).Post("/google", deps.AuthHandler.SignIn)
	})

	// ヘルスチェック
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Pinger != nil {
			if err := deps.Pinger.Ping(); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
