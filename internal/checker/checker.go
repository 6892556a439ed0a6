package checker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"replica-chaos/internal/events"
	"replica-chaos/internal/failure"
	"replica-chaos/internal/gate"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/metrics"
	"replica-chaos/internal/point"
	"replica-chaos/internal/retry"
	"replica-chaos/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"
)

// Config は Checker の設定
type Config struct {
	Collection   string
	MaxAttempts  int           // チェックサイクルの最大試行回数
	RetryDelay   time.Duration // 失敗したサイクル間の待機時間
	PageSize     int           // scroll のページサイズ
	BatchSize    int           // Scalar チェックの get バッチサイズ
	Read         retry.Policy  // 読み取り失敗時のリトライ
	WaitGreen    bool          // 各サイクル前にコレクションが green になるまで待つ
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Collection:   "benchmark",
		MaxAttempts:  25,
		RetryDelay:   100 * time.Millisecond,
		PageSize:     1000,
		BatchSize:    50,
		Read:         retry.DefaultPolicy(),
		PollInterval: 50 * time.Millisecond,
		PollTimeout:  120 * time.Second,
	}
}

// Checker はノード群の状態を検証する
type Checker struct {
	cfg   Config
	nodes store.Set
	gate  *gate.Gate
	bus   *events.Bus
	reg   *metrics.Registry
}

// New は新しい Checker を作成する。bus と reg は nil でもよい
func New(cfg Config, nodes store.Set, g *gate.Gate, bus *events.Bus, reg *metrics.Registry) *Checker {
	return &Checker{cfg: cfg, nodes: nodes, gate: g, bus: bus, reg: reg}
}

// Verify は期待状態が全ノードで成立するまでチェックを繰り返す。
// 成立すれば nil、試行回数を使い切れば *Inconsistency、致命的な問題があればそのエラーを返す
func (c *Checker) Verify(ctx context.Context, exp Expected) error {
	attempts := max(c.cfg.MaxAttempts, 1)

	var hold *gate.Hold
	defer func() {
		if hold != nil {
			hold.Release()
			c.bus.Publish(events.NewGateEvent(false, exp.Round))
			logger.Debug("", "Unblocked shard transfers")
		}
	}()

	var reports []Report
	for attempt := 1; attempt <= attempts; attempt++ {
		var err error
		reports, err = c.Cycle(ctx, exp)
		if err != nil {
			return err
		}

		if len(reports) == 0 {
			c.reg.CheckAttempt(true)
			c.bus.Publish(events.NewCheckPassedEvent(exp.Round, attempt))
			if attempt > 1 {
				logger.Info("", "Consistent after %d attempts", attempt)
			}
			return nil
		}

		c.reg.CheckAttempt(false)
		logger.Warn("", "Got inconsistencies (attempt %d/%d):\n%s", attempt, attempts, formatReports(reports))
		for _, r := range reports {
			c.bus.Publish(events.NewCheckFailedEvent(r.Node, exp.Round, attempt, r.Description))
		}

		if hold == nil && c.gate != nil {
			if hold, err = c.gate.Hold(ctx); err != nil {
				return err
			}
			c.bus.Publish(events.NewGateEvent(true, exp.Round))
			logger.Info("", "Blocking shard transfers until consistent")
		}

		if attempt < attempts {
			if err := retry.Sleep(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}

	return &Inconsistency{Expected: exp, Attempts: attempts, Reports: reports}
}

// Cycle は1回のチェックを行い、不整合のレポートを返す
func (c *Checker) Cycle(ctx context.Context, exp Expected) ([]Report, error) {
	switch exp.Kind {
	case KindExistence, KindScalar:
		return c.perNode(ctx, exp)
	case KindCrossNode:
		return c.crossNode(ctx, exp)
	default:
		return nil, failure.Fatalf("unknown check kind %s", exp.Kind)
	}
}

func (c *Checker) perNode(ctx context.Context, exp Expected) ([]Report, error) {
	found := make([]*Report, len(c.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			logger.Info(n.Addr(), "Check points: expect %s", exp)

			if err := c.waitGreen(gctx, n); err != nil {
				return err
			}

			observed := time.Now()
			var (
				desc string
				err  error
			)
			if exp.Kind == KindScalar {
				desc, err = c.checkScalar(gctx, n, exp)
			} else {
				desc, err = c.checkExistence(gctx, n, exp)
			}
			if err != nil {
				return err
			}
			if desc != "" {
				found[i] = &Report{Node: n.Addr(), Time: observed, Description: desc}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var reports []Report
	for _, r := range found {
		if r != nil {
			reports = append(reports, *r)
		}
	}
	return reports, nil
}

func (c *Checker) waitGreen(ctx context.Context, n *store.Node) error {
	if !c.cfg.WaitGreen {
		return nil
	}
	admin, ok := store.AdminOf(n.Handle)
	if !ok {
		return failure.Fatalf("%s cannot report collection status", n.Addr())
	}
	return retry.Poll(ctx, c.cfg.PollInterval, c.cfg.PollTimeout, "green status", func(ctx context.Context) (bool, error) {
		status, err := admin.CollectionStatus(ctx, c.cfg.Collection)
		if err != nil {
			return false, failure.Fatal(err)
		}
		return status == store.StatusGreen, nil
	})
}

// scrollAll はノード上のポイントを offset から全件読み取る
func (c *Checker) scrollAll(ctx context.Context, n *store.Node, offset *point.ID, filter *store.Filter, with store.With) ([]point.Point, error) {
	var points []point.Point
	err := c.cfg.Read.Do(ctx, n.Addr(), "scroll points", func(ctx context.Context) error {
		var err error
		points, err = n.ScrollAll(ctx, c.cfg.Collection, offset, c.cfg.PageSize, filter, with)
		return err
	})
	return points, err
}

func (c *Checker) get(ctx context.Context, n *store.Node, ids []point.ID, with store.With) ([]point.Point, error) {
	var points []point.Point
	err := c.cfg.Read.Do(ctx, n.Addr(), "get points", func(ctx context.Context) error {
		var err error
		points, err = n.Handle.Get(ctx, c.cfg.Collection, ids, with)
		return err
	})
	return points, err
}

func (c *Checker) checkExistence(ctx context.Context, n *store.Node, exp Expected) (string, error) {
	points, err := c.scrollAll(ctx, n, nil, nil, store.With{})
	if err != nil {
		return "", err
	}
	return DescribeExistence(exp.Window, point.IDs(points)), nil
}

// DescribeExistence は ids が window にちょうど一致しなければ不整合の説明を返す
func DescribeExistence(window point.Range, ids []point.ID) string {
	want := window.Len()
	if len(ids) == 0 {
		if want == 0 {
			return ""
		}
		return fmt.Sprintf("expect %s, got zero points (len: 0 vs %d)", window, want)
	}

	ids = point.Sorted(ids)
	if dups := point.Duplicates(ids); len(dups) > 0 {
		return fmt.Sprintf("expect %s, got duplicate point ids %s (len: %d vs %d)",
			window, point.FormatRanges(dups), len(ids), want)
	}

	lowest, highest := ids[0], ids[len(ids)-1]
	if lowest == window.Start && highest == window.End-1 && len(ids) == want {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "expect %s, got %s (len: %d vs %d)", window, point.FormatRanges(ids), len(ids), want)
	missing, extra := point.Diff(window.IDs(), ids)
	if len(missing) > 0 {
		fmt.Fprintf(&b, "; missing %s", point.FormatRanges(missing))
	}
	if len(extra) > 0 {
		fmt.Fprintf(&b, "; extra %s", point.FormatRanges(extra))
	}
	return b.String()
}

func (c *Checker) checkScalar(ctx context.Context, n *store.Node, exp Expected) (string, error) {
	values := make(map[point.ID]point.Payload, exp.Window.Len())
	for batch := range slices.Chunk(exp.Window.IDs(), max(c.cfg.BatchSize, 1)) {
		points, err := c.get(ctx, n, batch, store.With{Payload: true})
		if err != nil {
			return "", err
		}
		for _, p := range points {
			values[p.ID] = p.Payload
		}
	}
	return DescribeScalar(exp, values), nil
}

// DescribeScalar は window 内のカウンタが期待値と異なれば不整合の説明を返す。
// 存在しないポイントも不一致として扱う
func DescribeScalar(exp Expected, values map[point.ID]point.Payload) string {
	var (
		mismatched []point.ID
		first      string
	)
	for _, id := range exp.Window.IDs() {
		payload, ok := values[id]
		if !ok {
			if first == "" {
				first = fmt.Sprintf("PAYLOAD COUNTER MISMATCH: missing != %d (point %d)", exp.Value, id)
			}
			mismatched = append(mismatched, id)
			continue
		}
		got, ok := payload.Int(exp.Key)
		if ok && got == exp.Value {
			continue
		}
		if first == "" {
			if ok {
				first = fmt.Sprintf("PAYLOAD COUNTER MISMATCH: %d != %d (point %d)", got, exp.Value, id)
			} else {
				first = fmt.Sprintf("PAYLOAD COUNTER MISMATCH: %v != %d (point %d)", payload[exp.Key], exp.Value, id)
			}
		}
		mismatched = append(mismatched, id)
	}

	if len(mismatched) == 0 {
		return ""
	}
	return fmt.Sprintf("%s; %d mismatched points: %s", first, len(mismatched), point.FormatRanges(mismatched))
}

var pointOpts = cmp.Options{cmpopts.EquateEmpty()}

func (c *Checker) crossNode(ctx context.Context, exp Expected) ([]Report, error) {
	if len(c.nodes) < 2 {
		return nil, nil
	}

	snapshots := make([][]point.Point, len(c.nodes))
	observed := make([]time.Time, len(c.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			logger.Info(n.Addr(), "Check points: expect %s", exp)
			if err := c.waitGreen(gctx, n); err != nil {
				return err
			}

			observed[i] = time.Now()
			start := exp.Window.Start
			points, err := c.scrollAll(gctx, n, &start, nil, store.With{Vectors: true, Payload: true})
			if err != nil {
				return err
			}
			snapshots[i] = inWindow(points, exp.Window)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var reports []Report
	for i := 0; i+1 < len(snapshots); i++ {
		desc, err := ComparePair(i, snapshots[i], snapshots[i+1])
		if err != nil {
			return nil, err
		}
		if desc != "" {
			reports = append(reports, Report{
				Node:        fmt.Sprintf("node %d vs %d", i, i+1),
				Time:        observed[i+1],
				Description: desc,
			})
		}
	}
	return reports, nil
}

func inWindow(points []point.Point, window point.Range) []point.Point {
	out := points[:0]
	for _, p := range points {
		if window.Contains(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// ComparePair はノード i と i+1 のポイント列（ID昇順）を比較する。
// 件数が異なる場合は不整合として説明を返し、同じ位置のIDが異なる場合は
// 走査順序の前提が崩れているため致命的エラーを返す
func ComparePair(i int, a, b []point.Point) (string, error) {
	if len(a) != len(b) {
		extra, missing := point.Diff(point.Sorted(point.IDs(a)), point.Sorted(point.IDs(b)))
		var sb strings.Builder
		fmt.Fprintf(&sb, "point count %d vs %d", len(a), len(b))
		if len(missing) > 0 {
			fmt.Fprintf(&sb, "; only on node %d: %s", i+1, point.FormatRanges(missing))
		}
		if len(extra) > 0 {
			fmt.Fprintf(&sb, "; only on node %d: %s", i, point.FormatRanges(extra))
		}
		return sb.String(), nil
	}

	var (
		wrongPayload, wrongVector int
		firstDiff                 string
		firstID                   point.ID
		differing                 []point.ID
	)
	for k := range a {
		if a[k].ID != b[k].ID {
			return "", failure.Structuralf("node %d vs %d: point ids are not equal at position %d: %d, %d",
				i, i+1, k, a[k].ID, b[k].ID)
		}

		payloadEqual := cmp.Equal(a[k].Payload, b[k].Payload, pointOpts)
		vectorEqual := cmp.Equal(a[k].Vector, b[k].Vector, pointOpts)
		if !payloadEqual {
			wrongPayload++
			if firstDiff == "" {
				firstID = a[k].ID
				firstDiff = cmp.Diff(a[k].Payload, b[k].Payload, pointOpts)
			}
		}
		if !vectorEqual {
			wrongVector++
		}
		if !payloadEqual || !vectorEqual {
			differing = append(differing, a[k].ID)
		}
	}

	if len(differing) == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d points differ (payload: %d, vector: %d): %s",
		len(differing), len(a), wrongPayload, wrongVector, point.FormatRanges(differing))
	if firstDiff != "" {
		fmt.Fprintf(&sb, "\n  point %d payload (-node %d +node %d):\n%s", firstID, i, i+1, firstDiff)
	}
	return sb.String(), nil
}

// ListMissing は各ノードについて window 内で欠落しているIDを返す
func (c *Checker) ListMissing(ctx context.Context, window point.Range) ([][]point.ID, error) {
	missing := make([][]point.ID, len(c.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			start := window.Start
			points, err := c.scrollAll(gctx, n, &start, nil, store.With{})
			if err != nil {
				return err
			}
			ids := point.IDs(inWindow(points, window))
			missing[i], _ = point.Diff(window.IDs(), point.Sorted(ids))
			if len(missing[i]) > 0 {
				logger.Warn(n.Addr(), "Missing %d points: %s", len(missing[i]), point.FormatRanges(missing[i]))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return missing, nil
}

// ListAbsentKey は各ノードについてペイロードに key を持たないポイントのIDを返す
func (c *Checker) ListAbsentKey(ctx context.Context, key string) ([][]point.ID, error) {
	absent := make([][]point.ID, len(c.nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			points, err := c.scrollAll(gctx, n, nil, &store.Filter{IsEmpty: key}, store.With{})
			if err != nil {
				return err
			}
			absent[i] = point.Sorted(point.IDs(points))
			if len(absent[i]) > 0 {
				logger.Warn(n.Addr(), "%d points without %q: %s", len(absent[i]), key, point.FormatRanges(absent[i]))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return absent, nil
}
