package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/idlink/internal/guard"
	"github.com/hitoshi/idlink/internal/model"
	"github.com/hitoshi/idlink/internal/store"
)

// --- モック定義 ---

type mockEntityStore struct {
	findByFieldFn func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error)
	findByEmailFn func(ctx context.Context, email string) (*model.Entity, error)
	createFn      func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error)
	updateFn      func(ctx context.Context, id string, props map[string]any) error
}

func (m *mockEntityStore) FindByField(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
	if m.findByFieldFn != nil {
		return m.findByFieldFn(ctx, typeTag, fieldPath, value)
	}
	return nil, nil
}

func (m *mockEntityStore) FindByEmail(ctx context.Context, email string) (*model.Entity, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockEntityStore) Create(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
	if m.createFn != nil {
		return m.createFn(ctx, typeTag, props)
	}
	return model.NewEntityWithID("acc-new", typeTag, props), nil
}

func (m *mockEntityStore) Update(ctx context.Context, id string, props map[string]any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, props)
	}
	return nil
}

// fakeEntityStore はテスト用のインメモリストア。
// 冪等性・並行性テストで実際の検索→作成のシーケンスを再現する。
type fakeEntityStore struct {
	mu       sync.Mutex
	entities map[string]*model.Entity
	creates  int
	updates  int
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{entities: make(map[string]*model.Entity)}
}

func (f *fakeEntityStore) FindByField(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(fieldPath, ".", 2)
	var matches []*model.Entity
	for _, e := range f.entities {
		if e.TypeTag() != typeTag {
			continue
		}
		claims := e.GetMap(parts[0])
		if claims == nil {
			continue
		}
		if claims[parts[1]] == value {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

func (f *fakeEntityStore) FindByEmail(ctx context.Context, email string) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entities {
		if e.GetString(model.PropertyEmail) == email {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeEntityStore) Create(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	id := fmt.Sprintf("acc-%d", len(f.entities)+1)
	e := model.NewEntityWithID(id, typeTag, props)
	f.entities[id] = e
	return e, nil
}

func (f *fakeEntityStore) Update(ctx context.Context, id string, props map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entities[id]
	if !ok {
		return fmt.Errorf("entity not found: %s", id)
	}
	f.updates++
	e.ApplyProperties(props)
	return nil
}

type mockCollector struct {
	mu       sync.Mutex
	outcomes []string
	failures []string
}

func (m *mockCollector) RecordOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *mockCollector) RecordFailure(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, code)
}

func (m *mockCollector) RecordLatency(time.Duration) {}

func (m *mockCollector) IncInflight() {}
func (m *mockCollector) DecInflight() {}

// --- compile-time interface checks ---
var _ store.EntityStore = (*mockEntityStore)(nil)
var _ store.EntityStore = (*fakeEntityStore)(nil)
var _ MetricsCollector = (*mockCollector)(nil)

func testConfig() Config {
	return Config{Provider: "google", UsernamePrefix: "g"}
}

func testIdentity() *model.ResolvedIdentity {
	return &model.ResolvedIdentity{
		Provider:    "google",
		ExternalID:  "ext-1",
		DisplayName: "Alice",
		Email:       "a@x.com",
		PictureURL:  "https://example.com/alice.png",
		RawClaims: map[string]any{
			"id":      "ext-1",
			"name":    "Alice",
			"email":   "a@x.com",
			"picture": "https://example.com/alice.png",
		},
	}
}

func newService(s store.EntityStore) *Service {
	return NewService(s, guard.NewDuplicateGuard(), nil, testConfig())
}

// --- テスト ---

func TestReconcile_InvalidAssertion(t *testing.T) {
	tests := []struct {
		name     string
		identity *model.ResolvedIdentity
	}{
		{"identityがnil", nil},
		{"externalIdが空", &model.ResolvedIdentity{DisplayName: "Alice"}},
		{"displayNameが空", &model.ResolvedIdentity{ExternalID: "ext-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(&mockEntityStore{})

			_, err := svc.Reconcile(context.Background(), tt.identity)
			if model.ErrorCode(err) != model.ErrCodeInvalidAssertion {
				t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeInvalidAssertion)
			}
		})
	}
}

func TestReconcile_NoMatch_CreatesNewAccount(t *testing.T) {
	var createdType string
	var createdProps map[string]any

	s := &mockEntityStore{
		createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
			createdType = typeTag
			createdProps = props
			return model.NewEntityWithID("acc-1", typeTag, props), nil
		},
	}
	svc := newService(s)

	account, err := svc.Reconcile(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if account.ID() != "acc-1" {
		t.Errorf("account ID = %q, want %q", account.ID(), "acc-1")
	}
	if createdType != model.EntityTypeUser {
		t.Errorf("created type = %q, want %q", createdType, model.EntityTypeUser)
	}
	if createdProps[model.PropertyUsername] != "g_ext-1" {
		t.Errorf("username = %v, want %q", createdProps[model.PropertyUsername], "g_ext-1")
	}
	if createdProps[model.PropertyName] != "Alice" {
		t.Errorf("name = %v, want %q", createdProps[model.PropertyName], "Alice")
	}
	if createdProps[model.PropertyEmail] != "a@x.com" {
		t.Errorf("email = %v, want %q", createdProps[model.PropertyEmail], "a@x.com")
	}
	if createdProps[model.PropertyActivated] != true {
		t.Errorf("activated = %v, want true", createdProps[model.PropertyActivated])
	}
	if _, ok := createdProps["google"].(map[string]any); !ok {
		t.Error("expected provider claims map in created properties")
	}
	if _, ok := createdProps[model.PropertyModified]; !ok {
		t.Error("expected modifiedAt to be stamped")
	}
}

// emailのないアサーションではemail検索を行わず、emailプロパティも保存しないことを検証
func TestReconcile_NoEmail_SkipsEmailLookup(t *testing.T) {
	emailLookups := 0
	var createdProps map[string]any

	s := &mockEntityStore{
		findByEmailFn: func(ctx context.Context, email string) (*model.Entity, error) {
			emailLookups++
			return nil, nil
		},
		createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
			createdProps = props
			return model.NewEntityWithID("acc-1", typeTag, props), nil
		},
	}
	svc := newService(s)

	identity := testIdentity()
	identity.Email = ""

	if _, err := svc.Reconcile(context.Background(), identity); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if emailLookups != 0 {
		t.Errorf("email lookups = %d, want 0", emailLookups)
	}
	if _, ok := createdProps[model.PropertyEmail]; ok {
		t.Error("email property should not be set when the claim has no email")
	}
}

func TestReconcile_OneMatch_UpdatesClaimsAndPictureOnly(t *testing.T) {
	existing := model.NewEntityWithID("acc-1", model.EntityTypeUser, map[string]any{
		model.PropertyUsername: "alice",
		model.PropertyName:     "Alice Original",
		model.PropertyEmail:    "a@x.com",
		"google":               map[string]any{"id": "ext-1", "name": "Old"},
	})

	var updatedID string
	var updatedProps map[string]any

	s := &mockEntityStore{
		findByFieldFn: func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
			if fieldPath != "google.id" {
				t.Errorf("fieldPath = %q, want %q", fieldPath, "google.id")
			}
			return []*model.Entity{existing}, nil
		},
		updateFn: func(ctx context.Context, id string, props map[string]any) error {
			updatedID = id
			updatedProps = props
			return nil
		},
	}
	svc := newService(s)

	account, err := svc.Reconcile(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if updatedID != "acc-1" {
		t.Errorf("updated ID = %q, want %q", updatedID, "acc-1")
	}
	// この経路ではクレーム・picture・modifiedAtのみを書き込む
	for _, forbidden := range []string{model.PropertyUsername, model.PropertyName, model.PropertyEmail} {
		if _, ok := updatedProps[forbidden]; ok {
			t.Errorf("update props should not contain %q", forbidden)
		}
	}
	claims, ok := updatedProps["google"].(map[string]any)
	if !ok {
		t.Fatal("expected provider claims in update props")
	}
	if claims["name"] != "Alice" {
		t.Errorf("claims[name] = %v, want %q (最新のサインインが勝つ)", claims["name"], "Alice")
	}

	// 返されるアカウントは書き込んだ値を反映しつつ、stickyフィールドは元のまま
	if account.GetString(model.PropertyUsername) != "alice" {
		t.Errorf("username = %q, want %q", account.GetString(model.PropertyUsername), "alice")
	}
	if account.GetString(model.PropertyPicture) != "https://example.com/alice.png" {
		t.Errorf("picture = %q, want the incoming value", account.GetString(model.PropertyPicture))
	}
}

// email紐付け: username/nameは上書きされず、クレームとpictureが付与されることを検証
func TestReconcile_EmailMatch_LinksWithoutRename(t *testing.T) {
	existing := model.NewEntityWithID("acc-9", model.EntityTypeUser, map[string]any{
		model.PropertyUsername: "alice",
		model.PropertyName:     "Alice",
		model.PropertyEmail:    "a@x.com",
	})

	var updatedProps map[string]any

	s := &mockEntityStore{
		findByEmailFn: func(ctx context.Context, email string) (*model.Entity, error) {
			if email != "a@x.com" {
				t.Errorf("email lookup = %q, want %q", email, "a@x.com")
			}
			return existing, nil
		},
		updateFn: func(ctx context.Context, id string, props map[string]any) error {
			updatedProps = props
			return nil
		},
		createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
			t.Fatal("create should not be called on the link path")
			return nil, nil
		},
	}
	svc := newService(s)

	// 同じemailを持つ別人格のアサーション（表示名はBob）
	identity := testIdentity()
	identity.DisplayName = "Bob"
	identity.RawClaims["name"] = "Bob"

	account, err := svc.Reconcile(context.Background(), identity)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if account.ID() != "acc-9" {
		t.Errorf("account ID = %q, want %q (新規作成ではなく紐付け)", account.ID(), "acc-9")
	}
	if _, ok := updatedProps[model.PropertyUsername]; ok {
		t.Error("link must not write username")
	}
	if _, ok := updatedProps[model.PropertyName]; ok {
		t.Error("link must not write name")
	}
	if _, ok := updatedProps["google"]; !ok {
		t.Error("link should attach the provider claims")
	}

	if account.GetString(model.PropertyUsername) != "alice" {
		t.Errorf("username = %q, want %q", account.GetString(model.PropertyUsername), "alice")
	}
	if account.GetString(model.PropertyName) != "Alice" {
		t.Errorf("name = %q, want %q", account.GetString(model.PropertyName), "Alice")
	}
}

// email一致のアカウントに同一プロバイダーの別外部IDが紐付いている場合は
// ConflictingAccountで失敗し、何も書き込まないことを検証
func TestReconcile_EmailMatch_ConflictingProviderLink(t *testing.T) {
	existing := model.NewEntityWithID("acc-9", model.EntityTypeUser, map[string]any{
		model.PropertyEmail: "a@x.com",
		"google":            map[string]any{"id": "other-ext"},
	})

	writes := 0
	s := &mockEntityStore{
		findByEmailFn: func(ctx context.Context, email string) (*model.Entity, error) {
			return existing, nil
		},
		updateFn: func(ctx context.Context, id string, props map[string]any) error {
			writes++
			return nil
		},
		createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
			writes++
			return nil, nil
		},
	}
	svc := newService(s)

	_, err := svc.Reconcile(context.Background(), testIdentity())
	if model.ErrorCode(err) != model.ErrCodeConflictingAccount {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeConflictingAccount)
	}
	if writes != 0 {
		t.Errorf("writes = %d, want 0", writes)
	}
}

// 外部IDの一致が2件以上は整合性違反として失敗し、何も書き込まないことを検証
func TestReconcile_MultipleMatches_FailsWithoutWrites(t *testing.T) {
	writes := 0
	s := &mockEntityStore{
		findByFieldFn: func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
			return []*model.Entity{
				model.NewEntityWithID("acc-1", model.EntityTypeUser, nil),
				model.NewEntityWithID("acc-2", model.EntityTypeUser, nil),
			}, nil
		},
		updateFn: func(ctx context.Context, id string, props map[string]any) error {
			writes++
			return nil
		},
		createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
			writes++
			return nil, nil
		},
	}
	svc := newService(s)

	_, err := svc.Reconcile(context.Background(), testIdentity())
	if model.ErrorCode(err) != model.ErrCodeAmbiguousIdentity {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeAmbiguousIdentity)
	}
	if writes != 0 {
		t.Errorf("writes = %d, want 0", writes)
	}
}

func TestReconcile_StoreFailures_ReturnUpstreamUnavailable(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name string
		s    *mockEntityStore
	}{
		{
			"外部ID検索の失敗",
			&mockEntityStore{
				findByFieldFn: func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
					return nil, boom
				},
			},
		},
		{
			"email検索の失敗",
			&mockEntityStore{
				findByEmailFn: func(ctx context.Context, email string) (*model.Entity, error) {
					return nil, boom
				},
			},
		},
		{
			"作成の失敗",
			&mockEntityStore{
				createFn: func(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
					return nil, boom
				},
			},
		},
		{
			"更新の失敗",
			&mockEntityStore{
				findByFieldFn: func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
					return []*model.Entity{model.NewEntityWithID("acc-1", model.EntityTypeUser, nil)}, nil
				},
				updateFn: func(ctx context.Context, id string, props map[string]any) error {
					return boom
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(tt.s)

			_, err := svc.Reconcile(context.Background(), testIdentity())
			if model.ErrorCode(err) != model.ErrCodeUpstreamUnavailable {
				t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeUpstreamUnavailable)
			}
			if !errors.Is(err, boom) {
				t.Error("expected the store fault to be wrapped")
			}
		})
	}
}

// 冪等性: 同じexternalIdで2回呼んでも同じアカウントIDが返り、作成は1回であることを検証
func TestReconcile_Idempotent(t *testing.T) {
	f := newFakeEntityStore()
	svc := newService(f)
	ctx := context.Background()

	first, err := svc.Reconcile(ctx, testIdentity())
	if err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	second, err := svc.Reconcile(ctx, testIdentity())
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}

	if first.ID() != second.ID() {
		t.Errorf("account IDs differ: %q vs %q", first.ID(), second.ID())
	}
	if f.creates != 1 {
		t.Errorf("creates = %d, want 1", f.creates)
	}
}

// 並行性: 同一externalIdのN並行呼び出しで作成がちょうど1回であることを検証
func TestReconcile_Concurrent_NoDuplicateCreation(t *testing.T) {
	f := newFakeEntityStore()
	svc := newService(f)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account, err := svc.Reconcile(ctx, testIdentity())
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = account.ID()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d error = %v", i, err)
		}
	}
	if f.creates != 1 {
		t.Errorf("creates = %d, want 1", f.creates)
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Errorf("call %d returned account %q, want %q", i, ids[i], ids[0])
		}
	}
}

// stickyフィールド: usernameは以降のリコンサイルで変わらないことを検証
func TestReconcile_Sticky_UsernameNeverChanges(t *testing.T) {
	f := newFakeEntityStore()
	svc := newService(f)
	ctx := context.Background()

	first, err := svc.Reconcile(ctx, testIdentity())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if first.GetString(model.PropertyUsername) != "g_ext-1" {
		t.Fatalf("username = %q, want %q", first.GetString(model.PropertyUsername), "g_ext-1")
	}

	// 表示名が変わったクレームで再サインイン
	identity := testIdentity()
	identity.DisplayName = "Alice Renamed"
	identity.RawClaims["name"] = "Alice Renamed"

	second, err := svc.Reconcile(ctx, identity)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if second.GetString(model.PropertyUsername) != "g_ext-1" {
		t.Errorf("username = %q, want unchanged %q", second.GetString(model.PropertyUsername), "g_ext-1")
	}
	if second.GetString(model.PropertyName) != "Alice" {
		t.Errorf("name = %q, want unchanged %q", second.GetString(model.PropertyName), "Alice")
	}
	// クレーム自体は最新に置き換わる
	claims := second.GetMap("google")
	if claims == nil || claims["name"] != "Alice Renamed" {
		t.Errorf("claims[name] = %v, want %q", claims["name"], "Alice Renamed")
	}
}

// デッドライン解放: ストアがハングしてもリースが解放され、後続呼び出しが進めることを検証
func TestReconcile_DeadlineExpiry_ReleasesLease(t *testing.T) {
	hang := &mockEntityStore{
		findByFieldFn: func(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	dupGuard := guard.NewDuplicateGuard()
	hangSvc := NewService(hang, dupGuard, nil, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := hangSvc.Reconcile(ctx, testIdentity())
	if model.ErrorCode(err) != model.ErrCodeUpstreamUnavailable {
		t.Fatalf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeUpstreamUnavailable)
	}

	// 同じガードを共有する正常なエンジンで、同一externalIdがデッドロックしないこと
	okSvc := NewService(newFakeEntityStore(), dupGuard, nil, testConfig())

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()

	if _, err := okSvc.Reconcile(ctx2, testIdentity()); err != nil {
		t.Fatalf("subsequent Reconcile() error = %v (リースが漏れている)", err)
	}
}

func TestReconcile_RecordsMetrics(t *testing.T) {
	f := newFakeEntityStore()
	collector := &mockCollector{}
	svc := NewService(f, guard.NewDuplicateGuard(), collector, testConfig())
	ctx := context.Background()

	if _, err := svc.Reconcile(ctx, testIdentity()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, err := svc.Reconcile(ctx, testIdentity()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, err := svc.Reconcile(ctx, nil); err == nil {
		t.Fatal("expected validation error")
	}

	wantOutcomes := []string{OutcomeCreated, OutcomeUpdated}
	if len(collector.outcomes) != 2 || collector.outcomes[0] != wantOutcomes[0] || collector.outcomes[1] != wantOutcomes[1] {
		t.Errorf("outcomes = %v, want %v", collector.outcomes, wantOutcomes)
	}
	if len(collector.failures) != 1 || collector.failures[0] != model.ErrCodeInvalidAssertion {
		t.Errorf("failures = %v, want [%s]", collector.failures, model.ErrCodeInvalidAssertion)
	}
}
