// Package model はドメインモデルを定義する。
package model

// ResolvedIdentity は外部プロバイダーのトークン検証で得られたクレームセットを表す。
// 事実のみを保持し、アカウントへの紐付け判断は行わない。
type ResolvedIdentity struct {
	Provider    string         // プロバイダー識別子（例: "google"）
	ExternalID  string         // プロバイダー内で安定したユーザーID（必須）
	DisplayName string         // 表示名（必須。欠落は検証不能なアサーションとして扱う）
	Email       string         // メールアドレス（任意。クロスプロバイダー紐付けにのみ使用）
	PictureURL  string         // プロフィール画像URL（任意）
	RawClaims   map[string]any // プロバイダーが返したクレームの原本（監査用に原文のまま保存）
}
