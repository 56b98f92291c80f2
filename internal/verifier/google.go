package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hitoshi/idlink/internal/model"
)

const (
	defaultGoogleTokenInfoURL = "https://www.googleapis.com/oauth2/v1/tokeninfo"
	defaultGoogleUserInfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"

	// ProviderGoogle はGoogleプロバイダーの識別子。
	ProviderGoogle = "google"

	// configKeyIssuedTo はプロバイダー設定マップ内のクライアントIDキー。
	configKeyIssuedTo = "issued_to"
)

// GoogleVerifierConfig はGoogleトークン検証の設定。
type GoogleVerifierConfig struct {
	// テスト用にオーバーライド可能なURL
	TokenInfoURL string
	UserInfoURL  string
}

// GoogleVerifier はGoogleのアクセストークンを検証し、クレームを解決する。
// tokeninfoエンドポイントでトークンの発行先（issued_to）が自アプリの
// クライアントIDと一致することを確認した上で、userinfoエンドポイントから
// ユーザークレームを取得する。
type GoogleVerifier struct {
	config   GoogleVerifierConfig
	issuedTo string
	client   *http.Client
}

// NewGoogleVerifier はGoogleVerifierを生成する。
// providerConfigは不透明なキー/値マップとして受け取り、issued_toキーのみを参照する。
// issued_toが未設定の場合、発行先チェックはスキップされる。
func NewGoogleVerifier(config GoogleVerifierConfig, providerConfig map[string]string) *GoogleVerifier {
	if config.TokenInfoURL == "" {
		config.TokenInfoURL = defaultGoogleTokenInfoURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	return &GoogleVerifier{
		config:   config,
		issuedTo: providerConfig[configKeyIssuedTo],
		client:   http.DefaultClient,
	}
}

// googleTokenInfo はtokeninfoエンドポイントのレスポンス。
type googleTokenInfo struct {
	IssuedTo  string `json:"issued_to"`
	Audience  string `json:"audience"`
	ExpiresIn int    `json:"expires_in"`
}

// Resolve はGoogleのアクセストークンを検証してResolvedIdentityを返す。
// トークンの発行先確認、ユーザークレーム取得のいずれかに失敗した場合は
// InvalidTokenエラーを返す。このエンジンはそれ以上の検索・作成を試みない。
func (v *GoogleVerifier) Resolve(ctx context.Context, externalToken string) (*model.ResolvedIdentity, error) {
	if externalToken == "" {
		return nil, model.NewInvalidTokenError("token is empty", nil)
	}

	if v.issuedTo != "" {
		if err := v.checkIssuedTo(ctx, externalToken); err != nil {
			return nil, err
		}
	}

	claims, err := v.fetchUserInfo(ctx, externalToken)
	if err != nil {
		return nil, err
	}

	id, _ := claims["id"].(string)
	if id == "" {
		return nil, model.NewInvalidTokenError("empty id in user info response", nil)
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	picture, _ := claims["picture"].(string)

	return &model.ResolvedIdentity{
		Provider:    ProviderGoogle,
		ExternalID:  id,
		DisplayName: name,
		Email:       email,
		PictureURL:  picture,
		RawClaims:   claims,
	}, nil
}

// checkIssuedTo はトークンが自アプリに対して発行されたものであることを確認する。
func (v *GoogleVerifier) checkIssuedTo(ctx context.Context, externalToken string) error {
	reqURL := v.config.TokenInfoURL + "?access_token=" + url.QueryEscape(externalToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.NewInvalidTokenError("failed to create tokeninfo request", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return model.NewInvalidTokenError("tokeninfo request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewInvalidTokenError("failed to read tokeninfo response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return model.NewInvalidTokenError(
			fmt.Sprintf("tokeninfo returned status %d", resp.StatusCode), nil)
	}

	var info googleTokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return model.NewInvalidTokenError("failed to parse tokeninfo response", err)
	}

	if info.IssuedTo != v.issuedTo {
		return model.NewInvalidTokenError("token was not issued to this application", nil)
	}

	return nil
}

// fetchUserInfo はアクセストークンでGoogleのユーザークレームを取得する。
func (v *GoogleVerifier) fetchUserInfo(ctx context.Context, externalToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.UserInfoURL, nil)
	if err != nil {
		return nil, model.NewInvalidTokenError("failed to create user info request", err)
	}
	req.Header.Set("Authorization", "Bearer "+externalToken)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, model.NewInvalidTokenError("user info request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewInvalidTokenError("failed to read user info response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewInvalidTokenError(
			fmt.Sprintf("user info fetch failed with status %d", resp.StatusCode), nil)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, model.NewInvalidTokenError("failed to parse user info response", err)
	}

	return claims, nil
}

// compile-time interface check
var _ TokenVerifier = (*GoogleVerifier)(nil)
