// Package verifier は外部トークンの検証とクレーム解決を提供する。
package verifier

import (
	"context"

	"github.com/hitoshi/idlink/internal/model"
)

// TokenVerifier は外部プロバイダーのトークン検証インターフェース。
// 実装はトークンを検証し、信頼できるクレームセットを返す。
// アカウントの作成・紐付けの判断は行わない。
type TokenVerifier interface {
	// Resolve は外部トークンを検証してResolvedIdentityを返す。
	// 検証に失敗した場合はInvalidTokenエラーを返す。
	Resolve(ctx context.Context, externalToken string) (*model.ResolvedIdentity, error)
}
