package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"replica-chaos/internal/events"
	"replica-chaos/internal/failure"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/store"

	"github.com/cockroachdb/errors"
)

// ChurnConfig は OptimizerChurn の設定
type ChurnConfig struct {
	Collection string
	Interval   time.Duration
}

// DefaultChurnConfig はデフォルト設定を返す
func DefaultChurnConfig() ChurnConfig {
	return ChurnConfig{
		Collection: "benchmark",
		Interval:   time.Second,
	}
}

// OptimizerChurn は空のコレクション更新を定期的に送り、実行中の最適化を中断させる
type OptimizerChurn struct {
	config   ChurnConfig
	nodes    store.Set
	eventBus *events.Bus

	mu  sync.Mutex
	rng *rand.Rand

	count atomic.Uint64
}

// NewOptimizerChurn は新しい OptimizerChurn を作成する
func NewOptimizerChurn(config ChurnConfig, nodes store.Set, rng *rand.Rand) *OptimizerChurn {
	return &OptimizerChurn{config: config, nodes: nodes, rng: rng}
}

// SetEventBus はイベントバスを設定する
func (o *OptimizerChurn) SetEventBus(bus *events.Bus) {
	o.eventBus = bus
}

// Run は ctx がキャンセルされるまで Interval ごとに最適化を中断させる。
// 更新に失敗した場合は致命的エラーを返す
func (o *OptimizerChurn) Run(ctx context.Context) error {
	if len(o.nodes) == 0 {
		return nil
	}

	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n := o.pick()
		logger.Info(n.Addr(), "Cancel optimizers")
		if err := n.Handle.UpdateCollection(ctx, o.config.Collection, store.CollectionParams{}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return failure.Fatal(errors.Wrapf(err, "failed to cancel optimizers on %s", n.Addr()))
		}
		o.count.Add(1)
		o.eventBus.Publish(events.NewOptimizersCancelledEvent(n.Addr()))
	}
}

func (o *OptimizerChurn) pick() *store.Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nodes[o.rng.IntN(len(o.nodes))]
}

// Count は送信した更新の回数を返す
func (o *OptimizerChurn) Count() uint64 {
	return o.count.Load()
}
