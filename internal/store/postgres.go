package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/idlink/internal/model"
)

// PostgresEntityStore はPostgreSQLを使用したエンティティストア。
// エンティティはentitiesテーブル1本に格納し、プロパティはJSONBカラムに保持する。
type PostgresEntityStore struct {
	db *sql.DB
}

// NewPostgresEntityStore はPostgresEntityStoreを生成する。
func NewPostgresEntityStore(db *sql.DB) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

// FindByField は指定タイプのエンティティをプロパティパスの完全一致で検索する。
// fieldPathはドット区切りのネストパス（例: "google.id"）。
func (s *PostgresEntityStore) FindByField(ctx context.Context, typeTag, fieldPath, value string) ([]*model.Entity, error) {
	path := strings.Split(fieldPath, ".")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, properties
		 FROM entities
		 WHERE type = $1 AND properties #>> $2 = $3`,
		typeTag, pq.Array(path), value,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities by field: %w", err)
	}
	defer rows.Close()

	var entities []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}

	return entities, nil
}

// FindByEmail はemailプロパティの完全一致でユーザーエンティティを検索する。
// 見つからない場合はnilを返す。
func (s *PostgresEntityStore) FindByEmail(ctx context.Context, email string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, properties
		 FROM entities
		 WHERE type = $1 AND properties ->> 'email' = $2`,
		model.EntityTypeUser, email,
	)

	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entity by email: %w", err)
	}

	return e, nil
}

// Create は新規エンティティを作成する。idはストアが割り当てる。
func (s *PostgresEntityStore) Create(ctx context.Context, typeTag string, props map[string]any) (*model.Entity, error) {
	patch, _, err := encodeProperties(props)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, type, properties, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, typeTag, patch, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}

	// 保存表現と同じ型（JSONデコード後の値）でエンティティを返す
	return decodeEntity(id, typeTag, patch)
}

// Update は指定エンティティのプロパティを部分更新する。
// JSONBのマージ1文で適用するため、部分適用状態は生じない。
func (s *PostgresEntityStore) Update(ctx context.Context, id string, props map[string]any) error {
	patch, removed, err := encodeProperties(props)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE entities
		 SET properties = (properties - $2::text[]) || $3::jsonb,
		     updated_at = $4
		 WHERE id = $1`,
		id, pq.Array(removed), patch, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("entity not found: %s", id)
	}

	return nil
}

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var id, typeTag string
	var raw []byte
	if err := row.Scan(&id, &typeTag, &raw); err != nil {
		return nil, err
	}

	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("failed to decode entity properties: %w", err)
	}

	return model.NewEntityWithID(id, typeTag, props), nil
}

// encodeProperties はプロパティマップをJSONBパッチと削除キー一覧に分解する。
// nil値のキーは保存対象から外し、削除キーとして返す。
func encodeProperties(props map[string]any) (patch []byte, removed []string, err error) {
	kept := make(map[string]any, len(props))
	removed = []string{}
	for name, value := range props {
		if value == nil {
			removed = append(removed, name)
			continue
		}
		kept[name] = value
	}

	patch, err = json.Marshal(kept)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode entity properties: %w", err)
	}
	return patch, removed, nil
}

func decodeEntity(id, typeTag string, raw []byte) (*model.Entity, error) {
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("failed to decode entity properties: %w", err)
	}
	return model.NewEntityWithID(id, typeTag, props), nil
}

// compile-time interface check
var _ EntityStore = (*PostgresEntityStore)(nil)
