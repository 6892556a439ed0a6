// Package retry はリモート呼び出しのリトライと待機ループを提供する。
//
// Policy は固定回数・固定間隔のリトライを行い、全試行が失敗した場合は
// failure.ErrRetriesExhausted を付与した致命的エラーを返す。
// Poll は壁時計で上限を区切った条件待ちを行い、期限切れは常に致命的とする。
//
// # 使用例
//
//	policy := retry.Policy{Attempts: 100, Delay: 50 * time.Millisecond}
//	err := policy.Do(ctx, "node-1", "upsert points", func(ctx context.Context) error {
//	    return h.Upsert(ctx, collection, points, true)
//	})
package retry
