// Package store はエンティティ永続化のインターフェースを定義する。
package store

import (
	"context"

	"github.com/hitoshi/idlink/internal/model"
)

// EntityStore はエンティティ永続化のインターフェース。
// 各操作はこのエンジンから見てアトミックに成功または失敗する。
// 部分的に適用された状態が後続の読み取りから見えることはない。
type EntityStore interface {
	// FindByField は指定タイプのエンティティをプロパティパスの完全一致で検索する。
	// fieldPathはドット区切りのネストパス（例: "google.id"）。
	// 一致がない場合は空のスライスを返す。
	FindByField(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error)

	// FindByEmail はemailプロパティの完全一致でユーザーエンティティを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Entity, error)

	// Create は新規エンティティを作成する。idはストアが割り当てる。
	// nil値のプロパティは保存されない。
	Create(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error)

	// Update は指定エンティティのプロパティを部分更新する。
	// propsに含まれないキーは変更されず、nil値のキーは削除される。
	// 更新は1文で適用され、部分適用状態は生じない。
	Update(ctx context.Context, id string, props map[string]any) error
}
