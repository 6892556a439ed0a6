package retry

import (
	"context"
	"time"

	"replica-chaos/internal/failure"
	"replica-chaos/internal/logger"
)

// Policy はリトライの設定
type Policy struct {
	Attempts int           // 試行回数（1以上）
	Delay    time.Duration // 試行間の待機時間
}

// DefaultPolicy は更新系呼び出しのデフォルト設定を返す
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 100,
		Delay:    50 * time.Millisecond,
	}
}

// Do は fn が成功するまで最大 Attempts 回実行する
func (p Policy) Do(ctx context.Context, nodeID, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for retriesLeft := attempts - 1; retriesLeft >= 0; retriesLeft-- {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failure.IsFatal(err) {
			return err
		}
		if retriesLeft == 0 {
			break
		}

		logger.Warn(nodeID, "Failed to %s (%d retries left): %v", op, retriesLeft, err)
		if sleepErr := Sleep(ctx, p.Delay); sleepErr != nil {
			return sleepErr
		}
	}

	return failure.Exhausted(err, "failed to %s after %d attempts", op, attempts)
}

// Sleep は ctx がキャンセルされるまで最大 d だけ待機する
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poll は cond が true を返すまで interval 間隔で呼び出す。
// timeout を超えた場合は failure.ErrTimeout を付与した致命的エラーを返す
func Poll(ctx context.Context, interval, timeout time.Duration, what string, cond func(ctx context.Context) (bool, error)) error {
	start := time.Now()

	for time.Since(start) <= timeout {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}

	return failure.Timeoutf("timeout after %v waiting for %s", timeout, what)
}
