// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ReconcileError は統一エラーフォーマットを表す。
// 呼び出し側が分類に使うコードと、リトライ可否を含む。
type ReconcileError struct {
	Code      string // エラーコード
	Message   string // エラーメッセージ
	Category  string // カテゴリ: validation, auth, integrity, upstream
	Retryable bool   // 呼び出し側でのリトライが安全かどうか
	cause     error  // 下位レイヤーのエラー（存在する場合）
}

// Error はerrorインターフェースを実装する。
func (e *ReconcileError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は下位レイヤーのエラーを返す。
func (e *ReconcileError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeInvalidAssertion    = "INVALID_ASSERTION"
	ErrCodeInvalidToken        = "INVALID_TOKEN"
	ErrCodeAmbiguousIdentity   = "AMBIGUOUS_IDENTITY"
	ErrCodeConflictingAccount  = "CONFLICTING_ACCOUNT"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// NewInvalidAssertionError は必須クレーム欠落エラーを生成する。
func NewInvalidAssertionError(reason string) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeInvalidAssertion,
		Message:  fmt.Sprintf("外部IDアサーションが不正です: %s", reason),
		Category: "validation",
	}
}

// NewInvalidTokenError はトークン検証失敗エラーを生成する。
func NewInvalidTokenError(reason string, cause error) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeInvalidToken,
		Message:  fmt.Sprintf("外部トークンを検証できませんでした: %s", reason),
		Category: "auth",
		cause:    cause,
	}
}

// NewAmbiguousIdentityError は外部IDの重複検出エラーを生成する。
// データ整合性違反のシグナルであり、自動修復は行わない。
func NewAmbiguousIdentityError(provider, externalID string) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeAmbiguousIdentity,
		Message:  fmt.Sprintf("同一の外部IDに複数のアカウントが存在します: %s/%s", provider, externalID),
		Category: "integrity",
	}
}

// NewConflictingAccountError はメール紐付けが解決不能な場合のエラーを生成する。
func NewConflictingAccountError(email string) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeConflictingAccount,
		Message:  fmt.Sprintf("メールアドレスで見つかったアカウントと外部IDが整合しません: %s", email),
		Category: "integrity",
	}
}

// NewUpstreamUnavailableError はストア/ネットワーク障害エラーを生成する。
// ガードにより作成の重複が防がれるため、呼び出し側でのリトライは安全。
func NewUpstreamUnavailableError(op string, cause error) *ReconcileError {
	return &ReconcileError{
		Code:      ErrCodeUpstreamUnavailable,
		Message:   fmt.Sprintf("ストア操作に失敗しました: %s", op),
		Category:  "upstream",
		Retryable: true,
		cause:     cause,
	}
}

// ErrorCode はエラーからReconcileErrorのコードを取り出す。
// ReconcileErrorでない場合は空文字列を返す。
func ErrorCode(err error) string {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
