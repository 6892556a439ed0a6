package chaos

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"replica-chaos/internal/events"
	"replica-chaos/internal/gate"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/metrics"
	"replica-chaos/internal/retry"
	"replica-chaos/internal/store"
)

// State は Injector の状態を表す
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Config は Injector の設定
type Config struct {
	Collection   string
	ShardID      uint32
	Methods      []store.TransferMethod // 転送方式（一様に選択）
	StartDelay   time.Duration          // 最初の転送までの待機時間
	PollInterval time.Duration          // 転送数のポーリング間隔
	PollTimeout  time.Duration          // 転送数の待機上限
	Topology     retry.Policy           // クラスタ情報取得のリトライ
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Collection:   "benchmark",
		ShardID:      0,
		Methods:      []store.TransferMethod{store.TransferStreamRecords, store.TransferWalDelta},
		StartDelay:   time.Second,
		PollInterval: 50 * time.Millisecond,
		PollTimeout:  120 * time.Second,
		Topology:     retry.DefaultPolicy(),
	}
}

// Stats は転送の統計情報
type Stats struct {
	Started   uint64            `json:"started"`
	Rejected  uint64            `json:"rejected"`
	Completed uint64            `json:"completed"`
	ByMethod  map[string]uint64 `json:"started_by_method"`
	State     string            `json:"state"`
}

// PickPair は [0, n) から異なる2つのノードを一様に選ぶ
func PickPair(rng *rand.Rand, n int) (from, to int) {
	from = rng.IntN(n)
	to = rng.IntN(n - 1)
	if to >= from {
		to++
	}
	return from, to
}

// Injector はシャード転送を繰り返し要求する
type Injector struct {
	config   Config
	nodes    store.Set
	gate     *gate.Gate
	eventBus *events.Bus
	metrics  *metrics.Registry

	rngMu sync.Mutex
	rng   *rand.Rand

	state atomic.Int32

	mu        sync.RWMutex
	started   uint64
	rejected  uint64
	completed uint64
	byMethod  map[store.TransferMethod]uint64
}

// New は新しい Injector を作成する
func New(config Config, nodes store.Set, g *gate.Gate, rng *rand.Rand) *Injector {
	return &Injector{
		config:   config,
		nodes:    nodes,
		gate:     g,
		rng:      rng,
		byMethod: make(map[store.TransferMethod]uint64),
	}
}

// SetEventBus はイベントバスを設定する
func (in *Injector) SetEventBus(bus *events.Bus) {
	in.eventBus = bus
}

// SetMetrics はメトリクスの記録先を設定する
func (in *Injector) SetMetrics(reg *metrics.Registry) {
	in.metrics = reg
}

// State は現在の状態を返す
func (in *Injector) State() State {
	return State(in.state.Load())
}

func (in *Injector) setState(s State) {
	in.state.Store(int32(s))
}

// Run は ctx がキャンセルされるまで転送を繰り返す。
// キャンセル時は nil を返し、それ以外で返るのは致命的エラーのみ
func (in *Injector) Run(ctx context.Context) error {
	if len(in.nodes) < 2 {
		logger.Warn("", "Shard transfers need at least 2 nodes, injector disabled")
		return nil
	}
	if len(in.config.Methods) == 0 {
		logger.Warn("", "No shard transfer methods configured, injector disabled")
		return nil
	}

	if err := retry.Sleep(ctx, in.config.StartDelay); err != nil {
		return nil
	}

	logger.Info("", "Shard transfer injector started (methods: %v, shard: %d)", in.config.Methods, in.config.ShardID)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := in.transfer(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (in *Injector) pick() (from, to *store.Node, method store.TransferMethod) {
	in.rngMu.Lock()
	defer in.rngMu.Unlock()

	f, t := PickPair(in.rng, len(in.nodes))
	method = in.config.Methods[in.rng.IntN(len(in.config.Methods))]
	return in.nodes[f], in.nodes[t], method
}

// transfer は1回分の転送を実行する
func (in *Injector) transfer(ctx context.Context) error {
	from, to, method := in.pick()

	in.setState(StateStarting)
	defer in.setState(StateIdle)

	fromPeer, err := in.peerID(ctx, from)
	if err != nil {
		return err
	}
	toPeer, err := in.peerID(ctx, to)
	if err != nil {
		return err
	}

	// Checker が不整合を観測している間はここで待つ
	if in.gate != nil {
		if err := in.gate.Pass(ctx); err != nil {
			return err
		}
	}

	shard := in.config.ShardID
	logger.Info(from.Addr(), "Transfer %d:%d -> %d:%d (%s)", fromPeer, shard, toPeer, shard, method)

	err = from.Handle.RequestShardTransfer(ctx, in.config.Collection, store.ShardTransfer{
		ShardID:  shard,
		FromPeer: fromPeer,
		ToPeer:   toPeer,
		Method:   method,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn(from.Addr(), "Failed to start shard transfer: %v", err)
		in.record(method, false)
		in.eventBus.Publish(events.NewTransferRejectedEvent(from.Addr(), from.Index, to.Index, method, err))
		return in.waitTransfers(ctx, from, 0)
	}

	in.record(method, true)
	in.setState(StateInFlight)
	in.eventBus.Publish(events.NewTransferEvent(events.EventTransferStarted, from.Addr(), from.Index, to.Index, method))

	if err := in.waitTransfers(ctx, from, 1); err != nil {
		return err
	}
	if err := in.waitTransfers(ctx, from, 0); err != nil {
		return err
	}

	in.mu.Lock()
	in.completed++
	in.mu.Unlock()
	in.eventBus.Publish(events.NewTransferEvent(events.EventTransferCompleted, from.Addr(), from.Index, to.Index, method))
	return nil
}

// peerID はキャッシュを使わずに最新のトポロジからピアIDを取得する
func (in *Injector) peerID(ctx context.Context, n *store.Node) (uint64, error) {
	var id uint64
	err := in.config.Topology.Do(ctx, n.Addr(), "get collection cluster info", func(ctx context.Context) error {
		var err error
		id, err = n.ResolvePeerID(ctx, in.config.Collection)
		return err
	})
	return id, err
}

// waitTransfers はノードが報告する転送数が count になるまで待つ
func (in *Injector) waitTransfers(ctx context.Context, n *store.Node, count int) error {
	what := fmt.Sprintf("%d shard transfers on %s", count, n.Addr())
	return retry.Poll(ctx, in.config.PollInterval, in.config.PollTimeout, what, func(ctx context.Context) (bool, error) {
		var got int
		err := in.config.Topology.Do(ctx, n.Addr(), "get collection cluster info", func(ctx context.Context) error {
			var err error
			got, err = n.TransferCount(ctx, in.config.Collection)
			return err
		})
		if err != nil {
			return false, err
		}
		return got == count, nil
	})
}

func (in *Injector) record(method store.TransferMethod, accepted bool) {
	in.mu.Lock()
	if accepted {
		in.started++
		in.byMethod[method]++
	} else {
		in.rejected++
	}
	in.mu.Unlock()

	if accepted {
		in.metrics.Transfer(string(method), "started")
	} else {
		in.metrics.Transfer(string(method), "rejected")
	}
}

// Stats は転送統計を返す
func (in *Injector) Stats() Stats {
	in.mu.RLock()
	defer in.mu.RUnlock()

	byMethod := make(map[string]uint64, len(in.byMethod))
	for m, count := range in.byMethod {
		byMethod[string(m)] = count
	}

	return Stats{
		Started:   in.started,
		Rejected:  in.rejected,
		Completed: in.completed,
		ByMethod:  byMethod,
		State:     in.State().String(),
	}
}
