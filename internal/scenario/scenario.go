package scenario

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"replica-chaos/internal/chaos"
	"replica-chaos/internal/checker"
	"replica-chaos/internal/events"
	"replica-chaos/internal/failure"
	"replica-chaos/internal/gate"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/metrics"
	"replica-chaos/internal/point"
	"replica-chaos/internal/store"
	"replica-chaos/internal/workload"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Workload はラウンドごとに実行する書き込みの種類
type Workload string

const (
	WorkloadSweep   Workload = "sweep"   // 前ラウンドの窓を削除し、現ラウンドの窓を書き込む
	WorkloadCounter Workload = "counter" // 全ポイントのカウンタを1ずつ増やす
)

// Config はシナリオの設定
type Config struct {
	Name        string
	Description string
	Workload    Workload

	Collection string
	Setup      bool                   // 開始前にコレクションを作り直す
	Schema     store.CollectionConfig // Setup 時のコレクション設定

	StartRound       uint64
	Rounds           uint64 // 実行するラウンド数（0で無制限）
	CheckEvery       uint64 // round % CheckEvery == 0 のラウンドで検証する
	AlwaysCheckFirst uint64 // 最初のこのラウンド数は常に検証する
	CrossNode        bool   // スイープでノード間の一致も検証する
	Seed             uint64 // 乱数シード（0でランダム）

	Driver  workload.Config
	Checker checker.Config

	// 転送設定
	EnableTransfers bool
	Transfers       chaos.Config

	// 最適化の中断
	CancelOptimizers bool
	Optimizers       chaos.ChurnConfig
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:             "default",
		Description:      "Sweep workload with shard transfers",
		Workload:         WorkloadSweep,
		Collection:       "benchmark",
		Schema:           DefaultSchema(),
		CheckEvery:       1,
		AlwaysCheckFirst: 0,
		Driver:           workload.DefaultConfig(),
		Checker:          checker.DefaultConfig(),
		EnableTransfers:  true,
		Transfers:        chaos.DefaultConfig(),
		Optimizers:       chaos.DefaultChurnConfig(),
	}
}

// DefaultSchema は Setup で作成するコレクションのデフォルト設定を返す
func DefaultSchema() store.CollectionConfig {
	return store.CollectionConfig{
		Dim:                    128,
		Distance:               "Cosine",
		ShardNumber:            1,
		ReplicationFactor:      3,
		WriteConsistencyFactor: 1,
		SegmentNumber:          2,
		IndexingThreshold:      10,
	}
}

// normalized はコレクション名を全コンポーネントに反映した設定を返す
func (c Config) normalized() Config {
	c.Driver.Collection = c.Collection
	c.Checker.Collection = c.Collection
	c.Transfers.Collection = c.Collection
	c.Optimizers.Collection = c.Collection
	if c.Schema.Dim == 0 {
		c.Schema.Dim = c.Driver.Dim
	}
	if c.CheckEvery == 0 {
		c.CheckEvery = 1
	}
	return c
}

// Validate は設定を検証する
func (c Config) Validate() error {
	c = c.normalized()

	if c.Collection == "" {
		return errors.New("collection must not be empty")
	}
	switch c.Workload {
	case WorkloadSweep:
	case WorkloadCounter:
		if c.StartRound != 0 {
			return errors.New("counter workload must start at round 0")
		}
		if c.CrossNode {
			return errors.New("cross-node checks need the sweep workload")
		}
	default:
		return errors.Newf("unknown workload %q", c.Workload)
	}
	if err := c.Driver.Validate(); err != nil {
		return errors.Wrap(err, "workload")
	}
	if c.Checker.MaxAttempts < 1 {
		return errors.Newf("checker max attempts must be positive, got %d", c.Checker.MaxAttempts)
	}
	if c.Checker.PageSize < 1 || c.Checker.BatchSize < 1 {
		return errors.New("checker page size and batch size must be positive")
	}
	if c.EnableTransfers {
		if len(c.Transfers.Methods) == 0 {
			return errors.New("transfers enabled without transfer methods")
		}
		if c.Transfers.PollInterval <= 0 || c.Transfers.PollTimeout <= 0 {
			return errors.New("transfer poll interval and timeout must be positive")
		}
	}
	if c.CancelOptimizers && c.Optimizers.Interval <= 0 {
		return errors.New("optimizer cancel interval must be positive")
	}
	if c.Setup && c.Schema.Dim != c.Driver.Dim {
		return errors.Newf("collection dim %d does not match workload dim %d", c.Schema.Dim, c.Driver.Dim)
	}
	return nil
}

// Rounds は start から limit 個のラウンド番号を返す。limit が 0 なら終わらない
func Rounds(start, limit uint64) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for round := start; limit == 0 || round-start < limit; round++ {
			if !yield(round) {
				return
			}
		}
	}
}

// ShouldCheck はラウンドの終わりに検証を行うかどうかを返す
func (c Config) ShouldCheck(round uint64) bool {
	c = c.normalized()
	if round-c.StartRound < c.AlwaysCheckFirst {
		return true
	}
	return round%c.CheckEvery == 0
}

// Expected はラウンド終了時に成立すべき状態を返す
func (c Config) Expected(round uint64) []checker.Expected {
	c = c.normalized()
	switch c.Workload {
	case WorkloadCounter:
		all := point.Range{Start: 0, End: point.ID(c.Driver.Points)}
		return []checker.Expected{checker.Scalar(round, all, c.Driver.CounterKey, int64(round)+1)}
	default:
		window := point.Window(round, c.Driver.Points)
		exp := []checker.Expected{checker.Existence(round, window)}
		if c.CrossNode {
			exp = append(exp, checker.CrossNode(round, window))
		}
		return exp
	}
}

const diagnoseTimeout = 30 * time.Second

// Outcome は実行の終わり方
type Outcome string

const (
	OutcomeClean        Outcome = "clean"
	OutcomeInconsistent Outcome = "inconsistent"
	OutcomeFatal        Outcome = "fatal"
)

// Result はシナリオ実行結果
type Result struct {
	ScenarioName string
	Workload     Workload
	Seed         uint64
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration

	RoundsCompleted uint64
	LastRound       uint64 // RoundsCompleted > 0 の場合のみ有効
	Checks          uint64

	Transfers        chaos.Stats
	OptimizerCancels uint64
	GateHolds        uint64

	Metrics metrics.Snapshot

	Outcome       Outcome
	Inconsistency *checker.Inconsistency
	Diagnostics   []string
	Err           error
}

// Status は実行中のエンジンの状態
type Status struct {
	Name      string      `json:"name"`
	Running   bool        `json:"running"`
	Round     uint64      `json:"round"`
	Completed uint64      `json:"rounds_completed"`
	Phase     string      `json:"phase"`
	GateHeld  bool        `json:"gate_held"`
	Nodes     []string    `json:"nodes"`
	Transfers chaos.Stats `json:"transfers"`
}

// Engine はラウンドを進め、書き込み・検証・転送注入を連携させる
type Engine struct {
	config   Config
	nodes    store.Set
	eventBus *events.Bus
	metrics  *metrics.Registry

	gate     *gate.Gate
	driver   *workload.Driver
	checker  *checker.Checker
	injector *chaos.Injector
	churn    *chaos.OptimizerChurn

	round     atomic.Uint64
	completed atomic.Uint64
	checks    atomic.Uint64
	phase     atomic.Value

	mu      sync.RWMutex
	running bool
}

// New は新しいEngineを作成する
func New(config Config, nodes store.Set) *Engine {
	e := &Engine{
		config: config.normalized(),
		nodes:  nodes,
		gate:   gate.New(),
	}
	e.phase.Store("idle")
	return e
}

// SetEventBus はイベントバスを設定する
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.eventBus = bus
}

// SetMetrics はメトリクスの記録先を設定する
func (e *Engine) SetMetrics(reg *metrics.Registry) {
	e.metrics = reg
}

// Config は正規化済みの設定を返す
func (e *Engine) Config() Config {
	return e.config
}

// Run はシナリオを実行する。
// Result は常に返り、不整合または致命的エラーで終了した場合はそのエラーも返す。
// ctx のキャンセルは正常終了として扱う
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.config.Validate(); err != nil {
		return nil, failure.Fatal(errors.Wrap(err, "invalid scenario"))
	}
	if len(e.nodes) == 0 {
		return nil, failure.Fatalf("no store nodes configured")
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, errors.New("scenario is already running")
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.phase.Store("idle")
	}()

	seed := e.config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	logger.Info("", "=== Scenario '%s' started ===", e.config.Name)
	logger.Info("", "Description: %s", e.config.Description)
	logger.Info("", "Nodes: %s, workload: %s, seed: %d", strings.Join(e.nodes.Addrs(), ", "), e.config.Workload, seed)

	result := &Result{
		ScenarioName: e.config.Name,
		Workload:     e.config.Workload,
		Seed:         seed,
		StartTime:    time.Now(),
	}

	e.build(seed)

	err := e.execute(ctx, result)
	e.collectResults(result, err)

	logger.Info("", "=== Scenario '%s' %s ===", e.config.Name, result.Outcome)

	if result.Outcome == OutcomeClean {
		return result, nil
	}
	return result, err
}

// build はコンポーネントを作成する。乱数列はシードからコンポーネントごとに派生させる
func (e *Engine) build(seed uint64) {
	cfg := e.config

	e.mu.Lock()
	defer e.mu.Unlock()

	e.driver = workload.New(cfg.Driver, e.nodes, rand.New(rand.NewPCG(seed, 1)))
	e.checker = checker.New(cfg.Checker, e.nodes, e.gate, e.eventBus, e.metrics)

	e.injector = nil
	if cfg.EnableTransfers {
		e.injector = chaos.New(cfg.Transfers, e.nodes, e.gate, rand.New(rand.NewPCG(seed, 2)))
		e.injector.SetEventBus(e.eventBus)
		e.injector.SetMetrics(e.metrics)
	}

	e.churn = nil
	if cfg.CancelOptimizers {
		e.churn = chaos.NewOptimizerChurn(cfg.Optimizers, e.nodes, rand.New(rand.NewPCG(seed, 3)))
		e.churn.SetEventBus(e.eventBus)
	}
}

// execute はセットアップ、ラウンドループ、バックグラウンドタスクを実行する
func (e *Engine) execute(ctx context.Context, result *Result) error {
	if err := e.setup(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	bgCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(bgCtx)
	firstRound := make(chan struct{})

	g.Go(func() error {
		defer stop()
		return e.loop(gctx, firstRound, result)
	})

	background := func(name string, run func(context.Context) error) {
		g.Go(func() error {
			select {
			case <-firstRound:
			case <-gctx.Done():
				return nil
			}
			logger.Debug("", "Starting %s", name)
			return run(gctx)
		})
	}
	if e.injector != nil {
		background("shard transfer injector", e.injector.Run)
	}
	if e.churn != nil {
		background("optimizer cancellation", e.churn.Run)
	}

	return g.Wait()
}

// setup はコレクションの作り直しと初期データの投入を行う
func (e *Engine) setup(ctx context.Context) error {
	cfg := e.config

	if cfg.Setup {
		e.phase.Store("setup")
		admin, ok := e.nodes.Admin()
		if !ok {
			return failure.Fatalf("collection setup needs an admin handle on %s", e.nodes[0].Addr())
		}
		logger.Info(e.nodes[0].Addr(), "Recreating collection %q (shards: %d, replication: %d)",
			cfg.Collection, cfg.Schema.ShardNumber, cfg.Schema.ReplicationFactor)

		if err := cfg.Driver.Retry.Do(ctx, e.nodes[0].Addr(), "delete collection", func(ctx context.Context) error {
			err := admin.DeleteCollection(ctx, cfg.Collection)
			if errors.Is(err, store.ErrCollectionNotFound) {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
		if err := cfg.Driver.Retry.Do(ctx, e.nodes[0].Addr(), "create collection", func(ctx context.Context) error {
			return admin.CreateCollection(ctx, cfg.Collection, cfg.Schema)
		}); err != nil {
			return err
		}
	}

	if cfg.Workload == WorkloadCounter {
		e.phase.Store("seed")
		if err := e.driver.Seed(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// loop はラウンドを順に実行する。ctx がキャンセルされた場合は nil を返す
func (e *Engine) loop(ctx context.Context, firstRound chan struct{}, result *Result) error {
	cfg := e.config
	first := true

	for round := range Rounds(cfg.StartRound, cfg.Rounds) {
		if ctx.Err() != nil {
			return nil
		}
		e.round.Store(round)

		if err := e.runRound(ctx, round); err != nil {
			if ctx.Err() != nil && !failure.IsInconsistent(err) {
				return nil
			}
			return err
		}

		result.RoundsCompleted++
		result.LastRound = round
		e.completed.Add(1)
		e.metrics.RoundCompleted()
		e.eventBus.Publish(events.NewRoundCompletedEvent(round))

		if first {
			first = false
			close(firstRound)
		}
	}

	logger.Info("", "Completed %d rounds", result.RoundsCompleted)
	return nil
}

// runRound は1ラウンド分の書き込みと検証を行う
func (e *Engine) runRound(ctx context.Context, round uint64) error {
	cfg := e.config

	e.phase.Store("workload")
	var err error
	switch cfg.Workload {
	case WorkloadCounter:
		err = e.driver.Touch(ctx, round)
	default:
		err = e.driver.Sweep(ctx, round)
	}
	if err != nil {
		return err
	}

	if !cfg.ShouldCheck(round) {
		logger.Debug("", "Round %d: skipping check", round)
		return nil
	}

	e.phase.Store("checking")
	for _, exp := range cfg.Expected(round) {
		e.checks.Add(1)
		if err := e.checker.Verify(ctx, exp); err != nil {
			var inc *checker.Inconsistency
			if errors.As(err, &inc) {
				e.eventBus.Publish(events.NewInconsistencyEvent(round, inc.Attempts, inc))
			}
			return err
		}
		logger.Info("", "Round %d: %s OK", round, exp.Kind)
	}
	return nil
}

// diagnose は不整合の発生後に補助的な情報を集める
func (e *Engine) diagnose(inc *checker.Inconsistency) []string {
	ctx, cancel := context.WithTimeout(context.Background(), diagnoseTimeout)
	defer cancel()

	var lines []string
	switch inc.Expected.Kind {
	case checker.KindExistence, checker.KindCrossNode:
		missing, err := e.checker.ListMissing(ctx, inc.Expected.Window)
		if err != nil {
			logger.Warn("", "Failed to list missing points: %v", err)
			return nil
		}
		for i, ids := range missing {
			if len(ids) > 0 {
				lines = append(lines, fmt.Sprintf("%s: missing %s", e.nodes[i].Addr(), point.FormatRanges(ids)))
			}
		}
	case checker.KindScalar:
		absent, err := e.checker.ListAbsentKey(ctx, inc.Expected.Key)
		if err != nil {
			logger.Warn("", "Failed to list points without %q: %v", inc.Expected.Key, err)
			return nil
		}
		for i, ids := range absent {
			if len(ids) > 0 {
				lines = append(lines, fmt.Sprintf("%s: no %q in %s", e.nodes[i].Addr(), inc.Expected.Key, point.FormatRanges(ids)))
			}
		}
	}
	return lines
}

// collectResults は結果を収集する
func (e *Engine) collectResults(result *Result, err error) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Checks = e.checks.Load()
	result.GateHolds = e.gate.Holds()
	result.Metrics = e.metrics.Snapshot()

	if e.injector != nil {
		result.Transfers = e.injector.Stats()
	}
	if e.churn != nil {
		result.OptimizerCancels = e.churn.Count()
	}

	var inc *checker.Inconsistency
	switch {
	case err == nil:
		result.Outcome = OutcomeClean
	case errors.As(err, &inc):
		result.Outcome = OutcomeInconsistent
		result.Inconsistency = inc
		result.Diagnostics = e.diagnose(inc)
		logger.Error("", "%v", inc)
	default:
		result.Outcome = OutcomeFatal
		result.Err = err
		logger.Error("", "Fatal: %v", err)
	}
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `
================================================================================
                         SCENARIO REPORT: %s
================================================================================

EXECUTION SUMMARY
-----------------
  Start Time:     %s
  End Time:       %s
  Duration:       %v
  Workload:       %s
  Seed:           %d
  Outcome:        %s

ROUNDS
------
  Completed:      %d
`,
		r.ScenarioName,
		r.StartTime.Format("2006-01-02 15:04:05"),
		r.EndTime.Format("2006-01-02 15:04:05"),
		r.Duration.Round(time.Millisecond),
		r.Workload,
		r.Seed,
		r.Outcome,
		r.RoundsCompleted,
	)
	if r.RoundsCompleted > 0 {
		fmt.Fprintf(&sb, "  Last Round:     %d\n", r.LastRound)
	}
	fmt.Fprintf(&sb, "  Checks:         %d (attempts passed: %d, failed: %d)\n",
		r.Checks, r.Metrics.ChecksPassed, r.Metrics.ChecksFailed)
	fmt.Fprintf(&sb, "  Gate Holds:     %d\n", r.GateHolds)

	fmt.Fprintf(&sb, `
SHARD TRANSFERS
---------------
  Started:          %d
  Rejected:         %d
  Completed:        %d
  Optimizer Cancels: %d
`, r.Transfers.Started, r.Transfers.Rejected, r.Transfers.Completed, r.OptimizerCancels)

	if len(r.Metrics.Ops) > 0 {
		total, failed := r.Metrics.Calls()
		fmt.Fprintf(&sb, "\nSTORE CALLS (total: %d, failed: %d)\n------------------------------------\n", total, failed)
		for _, op := range r.Metrics.Ops {
			fmt.Fprintf(&sb, "  %-18s %8d calls  %6.2f%% errors  avg %-12v p99 %v\n",
				op.Name, op.Total, op.ErrorRate*100,
				op.AverageLatency.Round(time.Microsecond), op.P99Latency.Round(time.Microsecond))
		}
	}

	switch {
	case r.Inconsistency != nil:
		sb.WriteString("\nINCONSISTENCY\n-------------\n")
		sb.WriteString(r.Inconsistency.Error())
		sb.WriteString("\n")
		for _, line := range r.Diagnostics {
			sb.WriteString("  " + line + "\n")
		}
	case r.Err != nil:
		sb.WriteString("\nFATAL ERROR\n-----------\n  ")
		sb.WriteString(r.Err.Error())
		sb.WriteString("\n")
	}

	sb.WriteString("\n================================================================================")
	return sb.String()
}

// IsRunning は実行中かどうかを返す
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Status は現在の状態を返す
func (e *Engine) Status() Status {
	e.mu.RLock()
	running := e.running
	injector := e.injector
	e.mu.RUnlock()

	s := Status{
		Name:      e.config.Name,
		Running:   running,
		Round:     e.round.Load(),
		Completed: e.completed.Load(),
		Phase:     e.phase.Load().(string),
		GateHeld:  e.gate.Held(),
		Nodes:     e.nodes.Addrs(),
	}
	if injector != nil {
		s.Transfers = injector.Stats()
	}
	return s
}

// TransferStats は転送統計を返す。転送が無効なら nil
func (e *Engine) TransferStats() *chaos.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.injector == nil {
		return nil
	}
	stats := e.injector.Stats()
	return &stats
}

// Metrics はメトリクスのスナップショットを返す
func (e *Engine) Metrics() *metrics.Snapshot {
	if e.metrics == nil {
		return nil
	}
	snapshot := e.metrics.Snapshot()
	return &snapshot
}

// Gate は転送ゲートを返す
func (e *Engine) Gate() *gate.Gate {
	return e.gate
}

