package node

import (
	"context"
	"sync"
	"time"

	"replica-chaos/internal/logger"
	"replica-chaos/internal/point"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"
)

// ErrUnavailable はノードが一時的にリクエストを処理できないことを表す
var ErrUnavailable = errors.New("node unavailable")

// Status はノードの状態を表す
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Op はノードに届く1件の書き込み
type Op struct {
	Upsert []point.Point
	Delete []point.ID
	Due    time.Time // 適用可能になる時刻。ゼロ値は即時
}

type pointMap = skipmap.OrderedMap[uint64, point.Point]

// Node はポイントコレクションの1レプリカを表す
type Node struct {
	id     string
	peerID uint64

	mu     sync.RWMutex
	status Status
	delay  time.Duration

	dataMu      sync.Mutex
	points      *pointMap
	pending     []Op
	dropUpserts int
	failNext    int
}

// New は新しいノードを作成する
func New(id string, peerID uint64) *Node {
	return &Node{
		id:     id,
		peerID: peerID,
		status: StatusStopped,
		points: skipmap.New[uint64, point.Point](),
	}
}

// ID はノードIDを返す
func (n *Node) ID() string {
	return n.id
}

// PeerID はピアIDを返す
func (n *Node) PeerID() uint64 {
	return n.peerID
}

// Start はノードを起動する
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status == StatusRunning {
		return errors.Newf("node %s is already running", n.id)
	}

	n.status = StatusRunning

	logger.Debug(n.id, "Node started (peer %d)", n.peerID)
	return nil
}

// Stop はノードを停止する
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status == StatusStopped {
		return errors.Newf("node %s is already stopped", n.id)
	}

	n.status = StatusStopped

	logger.Debug(n.id, "Node stopped")
	return nil
}

// Status はノードの現在のステータスを返す
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Suspend はノードを一時停止する
func (n *Node) Suspend() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusRunning {
		return errors.Newf("node %s is not running", n.id)
	}

	n.status = StatusSuspended
	logger.Info(n.id, "Node suspended")
	return nil
}

// Resume は一時停止中のノードを再開する
func (n *Node) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusSuspended {
		return errors.Newf("node %s is not suspended", n.id)
	}

	n.status = StatusRunning
	logger.Info(n.id, "Node resumed")
	return nil
}

// SetDelay はレスポンス遅延を設定する
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// Delay は現在の遅延設定を返す
func (n *Node) Delay() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.delay
}

// Available は遅延を適用した上で、ノードがリクエストを処理できるかを返す
func (n *Node) Available(ctx context.Context) error {
	if d := n.Delay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s := n.Status(); s != StatusRunning {
		return errors.Wrapf(ErrUnavailable, "%s is %s", n.id, s)
	}

	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return errors.Wrapf(ErrUnavailable, "%s: injected failure", n.id)
	}
	return nil
}

// Deliver はレプリケーションされた書き込みをキューに追加する
func (n *Node) Deliver(op Op) {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.pending = append(n.pending, op)
	n.flushLocked(time.Now(), false)
}

// ApplyNow はキューに残っている書き込みをすべて適用してから op を適用する
func (n *Node) ApplyNow(op Op) {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.flushLocked(time.Now(), true)
	n.applyLocked(op)
}

// Flush は適用可能になった書き込みを到着順に適用する
func (n *Node) Flush() {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.flushLocked(time.Now(), false)
}

// Pending はキューに残っている書き込みの数を返す
func (n *Node) Pending() int {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	return len(n.pending)
}

func (n *Node) flushLocked(now time.Time, all bool) {
	i := 0
	for ; i < len(n.pending); i++ {
		op := n.pending[i]
		if !all && op.Due.After(now) {
			break
		}
		n.applyLocked(op)
	}
	n.pending = n.pending[i:]
}

func (n *Node) applyLocked(op Op) {
	for _, id := range op.Delete {
		n.points.Delete(uint64(id))
	}
	if len(op.Upsert) == 0 {
		return
	}
	if n.dropUpserts > 0 {
		n.dropUpserts--
		logger.Debug(n.id, "Dropped upsert of %s", point.FormatRanges(point.Sorted(point.IDs(op.Upsert))))
		return
	}
	for _, p := range op.Upsert {
		n.points.Store(uint64(p.ID), p.Clone())
	}
}

// view は適用可能な書き込みを反映した現在のポイント集合を返す
func (n *Node) view(all bool) *pointMap {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.flushLocked(time.Now(), all)
	return n.points
}

// Get は存在するポイントを ids の順に返す
func (n *Node) Get(ids []point.ID) []point.Point {
	points := n.view(false)

	out := make([]point.Point, 0, len(ids))
	for _, id := range ids {
		if p, ok := points.Load(uint64(id)); ok {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Scroll は offset 以上のポイントをID昇順に最大 limit 件返す。
// match が nil でなければ true を返したポイントのみを対象とする。
// 続きがある場合は次のIDを返す
func (n *Node) Scroll(offset *point.ID, limit int, match func(point.Point) bool) ([]point.Point, *point.ID) {
	var (
		out  []point.Point
		next *point.ID
	)
	n.view(false).Range(func(key uint64, p point.Point) bool {
		if offset != nil && point.ID(key) < *offset {
			return true
		}
		if match != nil && !match(p) {
			return true
		}
		if len(out) == limit {
			id := point.ID(key)
			next = &id
			return false
		}
		out = append(out, p.Clone())
		return true
	})
	return out, next
}

// Snapshot はキューを含めたすべての書き込みを適用した上で全ポイントを返す
func (n *Node) Snapshot() []point.Point {
	points := n.view(true)

	out := make([]point.Point, 0, points.Len())
	points.Range(func(_ uint64, p point.Point) bool {
		out = append(out, p.Clone())
		return true
	})
	return out
}

// Replace はノードの内容を points で置き換える。キューは破棄される
func (n *Node) Replace(points []point.Point) {
	fresh := skipmap.New[uint64, point.Point]()
	for _, p := range points {
		fresh.Store(uint64(p.ID), p.Clone())
	}

	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.points = fresh
	n.pending = nil
}

// Clear は全ポイントとキューを破棄する
func (n *Node) Clear() {
	n.Replace(nil)
}

// Len は保存されているポイント数を返す
func (n *Node) Len() int {
	return n.view(false).Len()
}

// DropUpserts は次の count 件の upsert バッチを黙って破棄させる
func (n *Node) DropUpserts(count int) {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.dropUpserts = count
	logger.Warn(n.id, "Dropping next %d upsert batches", count)
}

// FailNext は次の count 件のリクエストを ErrUnavailable で失敗させる
func (n *Node) FailNext(count int) {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	n.failNext = count
}

// SetPayload は保存済みポイントのペイロードを上書きする。ポイントがなければ false を返す
func (n *Node) SetPayload(id point.ID, payload point.Payload) bool {
	n.dataMu.Lock()
	defer n.dataMu.Unlock()

	p, ok := n.points.Load(uint64(id))
	if !ok {
		return false
	}
	p.Payload = payload.Clone()
	n.points.Store(uint64(id), p)
	return true
}
