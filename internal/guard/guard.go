// Package guard は外部IDごとの相互排他リースを提供する。
// 「検索してから作成する」という本質的にレースを含むシーケンスを、
// 同一キーの呼び出しを直列化することで実質的にアトミックにする。
package guard

import (
	"context"
	"sync"
)

// Key はリースのキーを生成する。プロバイダーと外部IDの組で一意。
func Key(provider, externalID string) string {
	return provider + ":" + externalID
}

// entry はキーごとのセマフォと参照カウントを保持する。
// 参照が0になったらテーブルから削除し、キー空間の無限成長を防ぐ。
type entry struct {
	sem  chan struct{}
	refs int
}

// DuplicateGuard はキー付きリーステーブル。
// 同一キーのAcquireは先行リースの解放まで待機し、異なるキーは競合しない。
type DuplicateGuard struct {
	mu     sync.Mutex
	leases map[string]*entry
}

// NewDuplicateGuard は空のリーステーブルを生成する。
func NewDuplicateGuard() *DuplicateGuard {
	return &DuplicateGuard{
		leases: make(map[string]*entry),
	}
}

// Lease は取得済みのリースを表す。Releaseで解放する。
type Lease struct {
	key   string
	entry *entry
	guard *DuplicateGuard
	once  sync.Once
}

// Acquire は指定キーのリースを取得する。
// 同一キーの先行リースが存在する場合は解放まで待機する。
// ctxの期限切れ・キャンセル時は待機を中断してctx.Err()を返す。
// その場合リースは取得されず、テーブルに何も残らない。
func (g *DuplicateGuard) Acquire(ctx context.Context, key string) (*Lease, error) {
	g.mu.Lock()
	e, ok := g.leases[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		g.leases[key] = e
	}
	e.refs++
	g.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return &Lease{key: key, entry: e, guard: g}, nil
	case <-ctx.Done():
		g.unref(key, e)
		return nil, ctx.Err()
	}
}

// Release はリースを解放する。冪等であり、nilリースや多重解放も安全。
// 失敗経路を含むすべての終了経路で呼び出すこと。解放漏れは同一外部IDの
// 以降のサインインを恒久的に停止させる。
func (g *DuplicateGuard) Release(l *Lease) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		<-l.entry.sem
		g.unref(l.key, l.entry)
	})
}

func (g *DuplicateGuard) unref(key string, e *entry) {
	g.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(g.leases, key)
	}
	g.mu.Unlock()
}

// Len は現在テーブルに存在するキー数を返す。テスト用。
func (g *DuplicateGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}
