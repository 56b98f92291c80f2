// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/idlink/internal/middleware"
	"github.com/hitoshi/idlink/internal/model"
	"github.com/hitoshi/idlink/internal/reconcile"
	"github.com/hitoshi/idlink/internal/verifier"
)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	ReconcileTimeout time.Duration // 照合処理全体のデッドライン
}

// AuthHandler は外部トークンによるサインインを処理するHTTPハンドラー。
type AuthHandler struct {
	verifier verifier.TokenVerifier
	engine   *reconcile.Service
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(v verifier.TokenVerifier, engine *reconcile.Service, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		verifier: v,
		engine:   engine,
		config:   config,
	}
}

// SignIn は外部トークンを検証し、対応するローカルアカウントを返す。
// POST /auth/google
// Authorization: Bearer <external token>
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized,
			model.NewInvalidTokenError("missing bearer token", nil))
		return
	}

	ctx := r.Context()
	if h.config.ReconcileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.ReconcileTimeout)
		defer cancel()
	}

	// 1. 外部トークンの検証
	identity, err := h.verifier.Resolve(ctx, token)
	if err != nil {
		h.writeReconcileError(w, err)
		return
	}

	// 2. ローカルアカウントとの照合
	account, err := h.engine.Reconcile(ctx, identity)
	if err != nil {
		h.writeReconcileError(w, err)
		return
	}

	writeAccount(w, account)
}

// writeReconcileError はエラーコードをHTTPステータスに対応付けて返す。
func (h *AuthHandler) writeReconcileError(w http.ResponseWriter, err error) {
	var rerr *model.ReconcileError
	if !errors.As(err, &rerr) {
		slog.Error("unexpected reconcile failure", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	status := http.StatusInternalServerError
	switch rerr.Code {
	case model.ErrCodeInvalidAssertion:
		status = http.StatusBadRequest
	case model.ErrCodeInvalidToken:
		status = http.StatusUnauthorized
	case model.ErrCodeAmbiguousIdentity, model.ErrCodeConflictingAccount:
		status = http.StatusConflict
	case model.ErrCodeUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	}

	middleware.WriteErrorResponse(w, status, rerr)
}

// writeAccount はアカウントエンティティをJSONで返す。
func writeAccount(w http.ResponseWriter, account *model.Entity) {
	body := map[string]any{
		"uuid": account.ID(),
		"type": account.TypeTag(),
	}
	for name, value := range account.Properties() {
		body[name] = value
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode account response", slog.String("error", err.Error()))
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// 形式が不正な場合は空文字列を返す。
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}
