package workload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"replica-chaos/internal/failure"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/point"
	"replica-chaos/internal/retry"
	"replica-chaos/internal/store"

	"github.com/cockroachdb/errors"
)

// Config はワークロードの設定
type Config struct {
	Collection string
	Points     uint64 // スイープ幅 / カウンタ対象のポイント数
	BatchSize  int
	Dim        int
	PayloadKey string // スイープで書き込むランダム値のキー
	CounterKey string // カウンタのキー
	Shuffle    bool   // バッチに分割する前にIDを並べ替える
	UseScroll  bool   // カウンタの読み取りに scroll を使う
	Wait       bool   // 書き込みの適用完了を待つ
	Retry      retry.Policy
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Collection: "benchmark",
		Points:     200,
		BatchSize:  25,
		Dim:        128,
		PayloadKey: "key",
		CounterKey: "counter",
		Wait:       true,
		Retry:      retry.DefaultPolicy(),
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Collection == "" {
		return errors.New("collection must not be empty")
	}
	if c.Points == 0 {
		return errors.New("points must be positive")
	}
	if c.BatchSize < 1 {
		return errors.Newf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Dim < 1 {
		return errors.Newf("dim must be positive, got %d", c.Dim)
	}
	if c.UseScroll && c.Shuffle {
		return errors.New("scroll reads and shuffled ids are incompatible")
	}
	if c.Retry.Attempts < 1 {
		return errors.Newf("update retries must be positive, got %d", c.Retry.Attempts)
	}
	return nil
}

// Kind はミューテーションの種類
type Kind int

const (
	KindDelete Kind = iota
	KindUpsert
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindUpsert:
		return "upsert"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mutation は1バッチ分の書き込み
type Mutation struct {
	Kind   Kind
	IDs    []point.ID    // KindDelete
	Points []point.Point // KindUpsert
}

// PickNode は [0, n) から一様にノードを選ぶ
func PickNode(rng *rand.Rand, n int) int {
	return rng.IntN(n)
}

// SweepRanges はラウンドの削除範囲と書き込み範囲を返す。削除範囲は前のウィンドウ
func SweepRanges(round, width uint64) (del, upsert point.Range) {
	upsert = point.Window(round, width)
	start := upsert.Start
	if uint64(start) >= width {
		del = point.Range{Start: start - point.ID(width), End: start}
	} else {
		del = point.Range{Start: 0, End: start}
	}
	return del, upsert
}

// Driver はワークロードを実行する
type Driver struct {
	cfg   Config
	nodes store.Set

	mu  sync.Mutex
	rng *rand.Rand
}

// New は新しい Driver を作成する
func New(cfg Config, nodes store.Set, rng *rand.Rand) *Driver {
	return &Driver{cfg: cfg, nodes: nodes, rng: rng}
}

// Config は設定を返す
func (d *Driver) Config() Config {
	return d.cfg
}

func (d *Driver) pick() *store.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes[PickNode(d.rng, len(d.nodes))]
}

func (d *Driver) shuffle(ids []point.ID) {
	if !d.cfg.Shuffle {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

func (d *Driver) vector() point.Vector {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := make(point.Vector, d.cfg.Dim)
	for i := range v {
		v[i] = d.rng.Float32()
	}
	return v
}

func (d *Driver) randomInt() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Int64()
}

// Apply はミューテーションをランダムなノードに送る。失敗時はリトライ予算の範囲で再送する
func (d *Driver) Apply(ctx context.Context, m Mutation) error {
	n := d.pick()
	op := fmt.Sprintf("%s points (node %d)", m.Kind, n.Index)

	return d.cfg.Retry.Do(ctx, n.Addr(), op, func(ctx context.Context) error {
		switch m.Kind {
		case KindDelete:
			return n.Handle.Delete(ctx, d.cfg.Collection, m.IDs, d.cfg.Wait)
		case KindUpsert:
			return n.Handle.Upsert(ctx, d.cfg.Collection, m.Points, d.cfg.Wait)
		default:
			return failure.Fatalf("unknown mutation kind %d", m.Kind)
		}
	})
}

// Sweep は前のウィンドウを削除し、現在のウィンドウを書き込む。削除がすべて終わってから書き込みを始める
func (d *Driver) Sweep(ctx context.Context, round uint64) error {
	delRange, upsertRange := SweepRanges(round, d.cfg.Points)
	logger.Info("", "Sweep points: delete %s, upsert %s", delRange, upsertRange)

	deleteIDs := delRange.IDs()
	upsertIDs := upsertRange.IDs()
	d.shuffle(deleteIDs)
	d.shuffle(upsertIDs)

	for batch := range slices.Chunk(deleteIDs, d.cfg.BatchSize) {
		if err := d.Apply(ctx, Mutation{Kind: KindDelete, IDs: batch}); err != nil {
			return err
		}
	}

	for batch := range slices.Chunk(upsertIDs, d.cfg.BatchSize) {
		points := make([]point.Point, len(batch))
		for i, id := range batch {
			points[i] = point.Point{
				ID:      id,
				Vector:  d.vector(),
				Payload: point.Payload{d.cfg.PayloadKey: d.randomInt()},
			}
		}
		if err := d.Apply(ctx, Mutation{Kind: KindUpsert, Points: points}); err != nil {
			return err
		}
	}

	return nil
}

// Seed はカウンタ対象のポイントをカウンタ 0 で作成する
func (d *Driver) Seed(ctx context.Context) error {
	ids := point.Range{Start: 0, End: point.ID(d.cfg.Points)}.IDs()
	logger.Info("", "Seed points: %s (%s = 0)", point.FormatRanges(ids), d.cfg.CounterKey)

	for batch := range slices.Chunk(ids, d.cfg.BatchSize) {
		if err := d.Apply(ctx, Mutation{Kind: KindUpsert, Points: d.counterPoints(batch, nil)}); err != nil {
			return err
		}
	}
	return nil
}

// Touch は各ポイントのカウンタを読み取り、1 加算して書き戻す
func (d *Driver) Touch(ctx context.Context, round uint64) error {
	logger.Info("", "Touch points: %d -> %d", round, round+1)

	ids := point.Range{Start: 0, End: point.ID(d.cfg.Points)}.IDs()
	d.shuffle(ids)

	for batch := range slices.Chunk(ids, d.cfg.BatchSize) {
		counters, err := d.ReadCounters(ctx, d.pick(), batch)
		if err != nil {
			return err
		}
		if err := d.Apply(ctx, Mutation{Kind: KindUpsert, Points: d.counterPoints(batch, counters)}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) counterPoints(ids []point.ID, counters map[point.ID]int64) []point.Point {
	points := make([]point.Point, len(ids))
	for i, id := range ids {
		var next int64
		if counters != nil {
			next = counters[id] + 1
		}
		points[i] = point.Point{
			ID:      id,
			Vector:  d.vector(),
			Payload: point.Payload{d.cfg.CounterKey: next},
		}
	}
	return points
}

// ReadCounters は n から ids のカウンタ値を読み取る。
// ポイントが存在しない、またはカウンタが整数でない場合は致命的エラーを返す
func (d *Driver) ReadCounters(ctx context.Context, n *store.Node, ids []point.ID) (map[point.ID]int64, error) {
	var points []point.Point
	op := fmt.Sprintf("get existing points (node %d)", n.Index)

	err := d.cfg.Retry.Do(ctx, n.Addr(), op, func(ctx context.Context) error {
		var err error
		points, err = d.read(ctx, n, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	counters := make(map[point.ID]int64, len(points))
	for _, p := range points {
		v, ok := p.Payload.Int(d.cfg.CounterKey)
		if !ok {
			return nil, failure.Fatalf("point %d on %s has no integer %q payload", p.ID, n.Addr(), d.cfg.CounterKey)
		}
		counters[p.ID] = v
	}
	for _, id := range ids {
		if _, ok := counters[id]; !ok {
			return nil, failure.Fatalf("point %d missing from read on %s", id, n.Addr())
		}
	}
	return counters, nil
}

func (d *Driver) read(ctx context.Context, n *store.Node, ids []point.ID) ([]point.Point, error) {
	with := store.With{Payload: true}
	if !d.cfg.UseScroll {
		return n.Handle.Get(ctx, d.cfg.Collection, ids, with)
	}

	first := ids[0]
	page, err := n.Handle.Scroll(ctx, d.cfg.Collection, store.ScrollRequest{
		Offset: &first,
		Limit:  len(ids),
		With:   with,
	})
	if err != nil {
		return nil, err
	}
	return page.Points, nil
}
