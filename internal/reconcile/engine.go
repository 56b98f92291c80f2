package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/idlink/internal/guard"
	"github.com/hitoshi/idlink/internal/model"
	"github.com/hitoshi/idlink/internal/store"
)

// MetricsCollector はリコンサイル結果のメトリクス収集インターフェース。
type MetricsCollector interface {
	RecordOutcome(outcome string)
	RecordFailure(code string)
	RecordLatency(duration time.Duration)
	IncInflight()
	DecInflight()
}

// リコンサイル結果の分類。メトリクスのラベルに使用する。
const (
	OutcomeCreated = "created"
	OutcomeLinked  = "linked"
	OutcomeUpdated = "updated"
)

// Config はリコンサイルエンジンの設定。
type Config struct {
	Provider       string // プロバイダー識別子（例: "google"）。クレームの保存先プロパティ名を兼ねる
	UsernamePrefix string // 新規アカウントのusername接頭辞（例: "g" → "g_<externalId>"）
}

// Service は外部IDアサーションを単一のローカルアカウントへ対応付けるエンジン。
// 同一外部IDの並行呼び出しはDuplicateGuardで直列化され、重複アカウントは作成されない。
// ストア操作が失敗した場合は何もコミットせずに中断する。
type Service struct {
	store   store.EntityStore
	guard   *guard.DuplicateGuard
	metrics MetricsCollector
	config  Config
	now     func() time.Time
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(entityStore store.EntityStore, dupGuard *guard.DuplicateGuard, metrics MetricsCollector, config Config) *Service {
	return &Service{
		store:   entityStore,
		guard:   dupGuard,
		metrics: metrics,
		config:  config,
		now:     time.Now,
	}
}

// Reconcile は検証済みの外部IDアサーションを、ちょうど1つのローカルアカウントへ
// 対応付けて返す。分岐は3つ:
//  1. 外部IDで一致するアカウントが1件 → プロバイダークレームとpictureのみ更新
//  2. 一致が0件でemailの一致するアカウントが存在 → 既存アカウントへ紐付け
//     （username/nameは上書きしない）
//  3. どちらも存在しない → 新規アカウントを作成
//
// 外部IDの一致が2件以上の場合はデータ整合性違反としてAmbiguousIdentityで失敗し、
// 何も書き込まない。返されるアカウントは常に直前に書き込んだ値を反映する。
func (s *Service) Reconcile(ctx context.Context, identity *model.ResolvedIdentity) (*model.Entity, error) {
	start := s.now()

	if s.metrics != nil {
		s.metrics.IncInflight()
		defer s.metrics.DecInflight()
	}

	account, outcome, err := s.reconcile(ctx, identity)

	if s.metrics != nil {
		s.metrics.RecordLatency(s.now().Sub(start))
		if err != nil {
			s.metrics.RecordFailure(model.ErrorCode(err))
		} else {
			s.metrics.RecordOutcome(outcome)
		}
	}

	return account, err
}

func (s *Service) reconcile(ctx context.Context, identity *model.ResolvedIdentity) (*model.Entity, string, error) {
	if err := s.validate(identity); err != nil {
		return nil, "", err
	}

	// ストアへの変更前にリースを取得し、すべての終了経路で解放する。
	// これが並行する同一外部IDの呼び出しを「作成」分岐へ同時に到達させない仕組み。
	lease, err := s.guard.Acquire(ctx, guard.Key(s.config.Provider, identity.ExternalID))
	if err != nil {
		return nil, "", model.NewUpstreamUnavailableError("acquire lease", err)
	}
	defer s.guard.Release(lease)

	matches, err := s.store.FindByField(ctx, model.EntityTypeUser, s.config.Provider+".id", identity.ExternalID)
	if err != nil {
		return nil, "", model.NewUpstreamUnavailableError("find by external id", err)
	}

	if len(matches) > 1 {
		// 整合性違反のシグナル。勝手に1件選んで続行しない。
		slog.Error("multiple accounts for the same external id",
			slog.String("provider", s.config.Provider),
			slog.String("external_id", identity.ExternalID),
			slog.Int("count", len(matches)),
		)
		return nil, "", model.NewAmbiguousIdentityError(s.config.Provider, identity.ExternalID)
	}

	if len(matches) == 1 {
		account, err := s.updateExisting(ctx, matches[0], identity)
		if err != nil {
			return nil, "", err
		}
		return account, OutcomeUpdated, nil
	}

	return s.newOrLinkByEmail(ctx, identity)
}

func (s *Service) validate(identity *model.ResolvedIdentity) error {
	if identity == nil {
		return model.NewInvalidAssertionError("identity is nil")
	}
	if identity.ExternalID == "" {
		return model.NewInvalidAssertionError("externalId is empty")
	}
	if identity.DisplayName == "" {
		return model.NewInvalidAssertionError("displayName is empty")
	}
	return nil
}

// updateExisting は外部IDで一致した既存アカウントを更新する。
// この経路ではプロバイダークレーム、picture、modifiedAtのみを書き込み、
// username、name、emailには触れない。
func (s *Service) updateExisting(ctx context.Context, account *model.Entity, identity *model.ResolvedIdentity) (*model.Entity, error) {
	props := map[string]any{
		s.config.Provider:      s.claims(identity),
		model.PropertyPicture:  nullable(identity.PictureURL),
		model.PropertyModified: s.now().UTC(),
	}

	merged := Merge(account, props)

	if err := s.store.Update(ctx, account.ID(), merged); err != nil {
		return nil, model.NewUpstreamUnavailableError("update account", err)
	}
	account.ApplyProperties(merged)

	slog.Info("existing account signed in",
		slog.String("account_id", account.ID()),
		slog.String("provider", s.config.Provider),
	)

	return account, nil
}

// newOrLinkByEmail は外部IDの一致が0件の場合の分岐。
// emailで既存アカウントが見つかればそれへ紐付け、なければ新規作成する。
func (s *Service) newOrLinkByEmail(ctx context.Context, identity *model.ResolvedIdentity) (*model.Entity, string, error) {
	candidate := map[string]any{
		s.config.Provider:      s.claims(identity),
		model.PropertyUsername: s.config.UsernamePrefix + "_" + identity.ExternalID,
		model.PropertyName:     identity.DisplayName,
		model.PropertyPicture:  nullable(identity.PictureURL),
	}

	if identity.Email != "" {
		found, err := s.store.FindByEmail(ctx, identity.Email)
		if err != nil {
			return nil, "", model.NewUpstreamUnavailableError("find by email", err)
		}

		if found != nil {
			account, err := s.linkToExisting(ctx, found, candidate, identity)
			if err != nil {
				return nil, "", err
			}
			return account, OutcomeLinked, nil
		}

		candidate[model.PropertyEmail] = identity.Email
	}

	candidate[model.PropertyActivated] = true
	candidate[model.PropertyModified] = s.now().UTC()

	account, err := s.store.Create(ctx, model.EntityTypeUser, candidate)
	if err != nil {
		return nil, "", model.NewUpstreamUnavailableError("create account", err)
	}

	slog.Info("new account created",
		slog.String("account_id", account.ID()),
		slog.String("provider", s.config.Provider),
		slog.String("external_id", identity.ExternalID),
	)

	return account, OutcomeCreated, nil
}

// linkToExisting はemailで見つかった既存アカウントへ外部IDを紐付ける。
// 外部IDの一致はプロバイダーが保証するが、emailの一致はより弱い根拠のため、
// プロバイダークレームの付与のみを許し、アカウントの改名は行わない。
func (s *Service) linkToExisting(ctx context.Context, account *model.Entity, candidate map[string]any, identity *model.ResolvedIdentity) (*model.Entity, error) {
	// 同一プロバイダーの別の外部IDがすでに紐付いている場合は解決不能。
	// （一致していれば外部ID検索でヒットしているはずなので、ここに来る時点で別IDが確定）
	if existing := account.GetMap(s.config.Provider); existing != nil {
		slog.Error("email-matched account is already linked to a different external id",
			slog.String("account_id", account.ID()),
			slog.String("provider", s.config.Provider),
			slog.String("external_id", identity.ExternalID),
		)
		return nil, model.NewConflictingAccountError(identity.Email)
	}

	// ユーザーがすでに所有しているusername/表示名を未検証のクレームで上書きしない
	delete(candidate, model.PropertyUsername)
	delete(candidate, model.PropertyName)
	candidate[model.PropertyModified] = s.now().UTC()

	merged := Merge(account, candidate)

	if err := s.store.Update(ctx, account.ID(), merged); err != nil {
		return nil, model.NewUpstreamUnavailableError("link account", err)
	}
	account.ApplyProperties(merged)

	slog.Info("account linked by email",
		slog.String("account_id", account.ID()),
		slog.String("provider", s.config.Provider),
		slog.String("external_id", identity.ExternalID),
	)

	return account, nil
}

// claims は保存するプロバイダークレームを返す。原本があればそのまま、
// なければ解決済みフィールドから最小のマップを合成する。
// <provider>.id による検索の不変条件を満たすため、idキーは必ず含まれる。
func (s *Service) claims(identity *model.ResolvedIdentity) map[string]any {
	if identity.RawClaims != nil {
		return identity.RawClaims
	}
	claims := map[string]any{
		"id":   identity.ExternalID,
		"name": identity.DisplayName,
	}
	if identity.Email != "" {
		claims["email"] = identity.Email
	}
	if identity.PictureURL != "" {
		claims["picture"] = identity.PictureURL
	}
	return claims
}

// nullable は空文字列をnil（=キー削除）に写す。
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
