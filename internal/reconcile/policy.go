// Package reconcile は外部IDアサーションをローカルアカウントへ決定的に対応付ける。
package reconcile

import (
	"github.com/hitoshi/idlink/internal/model"
)

// stickyProperties はアカウント成立後に上書きしないプロパティ（first-write-wins）。
// アイデンティティを定義するフィールドは、未検証のクレームで書き換えない。
var stickyProperties = map[string]bool{
	model.PropertyUsername: true,
	model.PropertyName:     true,
	model.PropertyEmail:    true,
}

// Merge は既存アカウントと受信プロパティから、実際に書き込むプロパティを決定する。
// stickyなフィールドは既存アカウントに値がある場合のみ受信値を破棄し、
// それ以外（プロバイダークレーム、picture、modifiedAt）は常に最新のサインインを
// 正とする（last-write-wins）。純粋関数であり、ストアには依存しない。
func Merge(existing *model.Entity, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(incoming))
	for name, value := range incoming {
		if stickyProperties[name] {
			if _, ok := existing.Get(name); ok {
				continue
			}
		}
		merged[name] = value
	}
	return merged
}
