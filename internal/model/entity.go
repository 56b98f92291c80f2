// Package model はドメインモデルを定義する。
package model

import (
	"time"
)

const (
	// PropertyID は予約プロパティ名（エンティティの安定識別子）。
	PropertyID = "uuid"
	// PropertyType は予約プロパティ名（エンティティの論理スキーマ名）。
	PropertyType = "type"
)

// アカウントエンティティの既知プロパティ名。
const (
	EntityTypeUser = "user"

	PropertyUsername  = "username"
	PropertyName      = "name"
	PropertyEmail     = "email"
	PropertyPicture   = "picture"
	PropertyActivated = "activated"
	PropertyModified  = "modifiedAt"
)

// Entity は動的型付きプロパティバッグを表す。
// 予約フィールド（id、typeTag）は作成時に1回だけ設定され、以降は不変。
// それ以外のプロパティは名前→値のマップとして保持し、挿入順序は持たない。
// 値の型はstring、bool、int64、float64、time.Time、ネストしたmapのいずれか。
type Entity struct {
	id      string
	typeTag string
	props   map[string]any
}

// NewEntity は指定タイプの空のEntityを生成する。
// idはストアが作成時に割り当てるため、ここでは設定しない。
func NewEntity(typeTag string) *Entity {
	return &Entity{
		typeTag: typeTag,
		props:   make(map[string]any),
	}
}

// NewEntityWithID はidとプロパティを指定してEntityを復元する。
// ストアが永続化済みエンティティを読み出す際に使用する。
// propsに予約キー（uuid、type）が含まれていても無視される。
func NewEntityWithID(id, typeTag string, props map[string]any) *Entity {
	e := &Entity{
		id:      id,
		typeTag: typeTag,
		props:   make(map[string]any, len(props)),
	}
	for name, value := range props {
		e.Set(name, value)
	}
	return e
}

// ID はエンティティの安定識別子を返す。未永続化の場合は空文字列。
func (e *Entity) ID() string {
	return e.id
}

// TypeTag はエンティティの論理スキーマ名を返す。
func (e *Entity) TypeTag() string {
	return e.typeTag
}

// Get は指定名のプロパティ値を返す。存在しない場合はok=false。
// 予約フィールドは通常プロパティとして列挙されないため、Getでは取得できない。
func (e *Entity) Get(name string) (any, bool) {
	v, ok := e.props[name]
	return v, ok
}

// Set は指定名のプロパティを設定する。
// valueがnilの場合はキーを削除する（nil値のプロパティは存在しないプロパティと等価）。
// 予約キー（uuid、type）への設定は無視される。
func (e *Entity) Set(name string, value any) {
	if name == PropertyID || name == PropertyType {
		return
	}
	if value == nil {
		delete(e.props, name)
		return
	}
	e.props[name] = value
}

// Properties は予約フィールドを除く全プロパティのコピーを返す。
// 返されたマップへの変更はEntityに影響しない。
func (e *Entity) Properties() map[string]any {
	props := make(map[string]any, len(e.props))
	for name, value := range e.props {
		props[name] = value
	}
	return props
}

// ApplyProperties は複数プロパティを一括設定する。
// nil値のキーは削除される（Setと同じ規則）。
func (e *Entity) ApplyProperties(props map[string]any) {
	for name, value := range props {
		e.Set(name, value)
	}
}

// GetString は指定プロパティを文字列として返す。存在しないか文字列でない場合は空文字列。
func (e *Entity) GetString(name string) string {
	if v, ok := e.props[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetBool は指定プロパティを真偽値として返す。存在しないか真偽値でない場合はfalse。
func (e *Entity) GetBool(name string) bool {
	if v, ok := e.props[name]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// GetTime は指定プロパティをタイムスタンプとして返す。
// JSONB由来のRFC3339文字列もパースする。解釈できない場合はok=false。
func (e *Entity) GetTime(name string) (time.Time, bool) {
	v, ok := e.props[name]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// GetMap は指定プロパティをネストしたマップとして返す。
// 存在しないかマップでない場合はnil。
func (e *Entity) GetMap(name string) map[string]any {
	if v, ok := e.props[name]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}
