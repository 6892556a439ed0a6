package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"replica-chaos/internal/logger"
	"replica-chaos/internal/node"
	"replica-chaos/internal/point"
	"replica-chaos/internal/retry"
	"replica-chaos/internal/store"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTransferInProgress は既に転送が進行中であることを表す
	ErrTransferInProgress = errors.New("shard transfer already in progress")
	// ErrCollectionNotFound はコレクションが存在しないことを表す
	ErrCollectionNotFound = store.ErrCollectionNotFound
)

const peerIDBase = 7_000_000_000

// Config はシミュレーションの設定
type Config struct {
	Nodes            int
	ReplicationLag   time.Duration // 他ノードへの書き込み反映の遅延
	TransferDuration time.Duration // シャード転送の所要時間
	Delay            time.Duration // 全リクエストに加える遅延
	StaleTransfers   bool          // 転送開始時点のデータで宛先を上書きする（転送中の書き込みを失う）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Nodes:            3,
		TransferDuration: 200 * time.Millisecond,
	}
}

// transfer は進行中のシャード転送
type transfer struct {
	info     store.ShardTransferInfo
	from, to int
	snapshot []point.Point // StaleTransfers の場合に開始時点で取得する
}

// Cluster は複数のノードレプリカを管理する
type Cluster struct {
	config Config
	nodes  []*node.Node

	// 書き込みの複製は RLock、転送完了時のデータ置き換えは Lock で行う
	writeMu sync.RWMutex

	mu         sync.RWMutex
	collection string
	collConfig store.CollectionConfig
	exists     bool
	active     *transfer

	transfers         atomic.Uint64
	optimizerRestarts atomic.Uint64

	timers sync.WaitGroup
	closed atomic.Bool
}

// New は新しいクラスタを作成する。ノードは停止状態で作成される
func New(config Config) *Cluster {
	c := &Cluster{config: config}
	for i := range config.Nodes {
		n := node.New(fmt.Sprintf("sim://node-%d", i), peerIDBase+uint64(i)*7919)
		n.SetDelay(config.Delay)
		c.nodes = append(c.nodes, n)
	}
	logger.Info("", "Created simulated cluster with %d nodes", len(c.nodes))
	return c
}

// Node はインデックスに対応するノードを返す
func (c *Cluster) Node(i int) *node.Node {
	return c.nodes[i]
}

// Nodes は全てのノードを返す
func (c *Cluster) Nodes() []*node.Node {
	return c.nodes
}

// Size はクラスタ内のノード数を返す
func (c *Cluster) Size() int {
	return len(c.nodes)
}

// RunningCount は実行中のノード数を返す
func (c *Cluster) RunningCount() int {
	count := 0
	for _, n := range c.nodes {
		if n.Status() == node.StatusRunning {
			count++
		}
	}
	return count
}

// StartAll は全てのノードを起動する
func (c *Cluster) StartAll() error {
	var failed int
	for _, n := range c.nodes {
		if err := n.Start(); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return errors.Newf("failed to start %d nodes", failed)
	}
	logger.Info("", "All simulated nodes started")
	return nil
}

// Outage は after 経過後にノード i を一時停止し、さらに d 経過後に再開する。
// d がゼロの場合は再開しない。停止中のノードはリクエストを拒否し、複製された書き込みも受け取らない
func (c *Cluster) Outage(ctx context.Context, i int, after, d time.Duration) error {
	if err := retry.Sleep(ctx, after); err != nil {
		return nil
	}
	n := c.nodes[i]
	if err := n.Suspend(); err != nil {
		return err
	}
	if d == 0 {
		return nil
	}
	_ = retry.Sleep(ctx, d)
	return n.Resume()
}

// StopAll は全てのノードを停止する
func (c *Cluster) StopAll() {
	for _, n := range c.nodes {
		_ = n.Stop()
	}
}

// Close は進行中の転送の完了を待ってから全ノードを停止する
func (c *Cluster) Close() {
	c.mu.Lock()
	already := c.closed.Swap(true)
	c.mu.Unlock()
	if already {
		return
	}
	c.timers.Wait()
	c.StopAll()
}

// Handles は各ノードに対応する store.Handle を返す
func (c *Cluster) Handles() []store.Handle {
	hs := make([]store.Handle, len(c.nodes))
	for i := range c.nodes {
		hs[i] = c.Handle(i)
	}
	return hs
}

// Handle はノード i の store.Handle を返す
func (c *Cluster) Handle(i int) *Handle {
	return &Handle{cluster: c, index: i}
}

// TransferInFlight は転送が進行中かどうかを返す
func (c *Cluster) TransferInFlight() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active != nil
}

// CompletedTransfers は完了した転送の数を返す
func (c *Cluster) CompletedTransfers() uint64 {
	return c.transfers.Load()
}

// OptimizerRestarts は受け付けた空のコレクション更新の数を返す
func (c *Cluster) OptimizerRestarts() uint64 {
	return c.optimizerRestarts.Load()
}

func (c *Cluster) checkCollection(name string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.exists || c.collection != name {
		return errors.Wrapf(ErrCollectionNotFound, "collection %q", name)
	}
	return nil
}

// write は origin ノードに op を適用し、他の稼働中ノードへ複製する
func (c *Cluster) write(origin int, op node.Op) {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()

	c.nodes[origin].ApplyNow(op)

	due := time.Time{}
	if c.config.ReplicationLag > 0 {
		due = time.Now().Add(c.config.ReplicationLag)
	}
	for i, n := range c.nodes {
		if i == origin || n.Status() != node.StatusRunning {
			continue
		}
		replica := op
		replica.Due = due
		n.Deliver(replica)
	}
}

func (c *Cluster) peerIndex(peerID uint64) (int, bool) {
	for i, n := range c.nodes {
		if n.PeerID() == peerID {
			return i, true
		}
	}
	return 0, false
}

// startTransfer は転送を登録し、TransferDuration 後に完了させる
func (c *Cluster) startTransfer(origin int, req store.ShardTransfer) error {
	if req.ShardID != 0 {
		return errors.Newf("shard %d does not exist", req.ShardID)
	}
	from, ok := c.peerIndex(req.FromPeer)
	if !ok {
		return errors.Newf("peer %d does not exist", req.FromPeer)
	}
	to, ok := c.peerIndex(req.ToPeer)
	if !ok {
		return errors.Newf("peer %d does not exist", req.ToPeer)
	}
	if from == to {
		return errors.Newf("cannot transfer shard %d from peer %d to itself", req.ShardID, req.FromPeer)
	}
	if from != origin {
		return errors.Newf("peer %d does not hold the source replica", c.nodes[origin].PeerID())
	}
	t := &transfer{
		info: store.ShardTransferInfo{
			ShardID: req.ShardID,
			From:    req.FromPeer,
			To:      req.ToPeer,
			Method:  req.Method,
		},
		from: from,
		to:   to,
	}
	if c.config.StaleTransfers {
		t.snapshot = c.nodes[from].Snapshot()
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return errors.Wrap(node.ErrUnavailable, "cluster is shutting down")
	}
	if c.active != nil {
		c.mu.Unlock()
		return errors.Wrapf(ErrTransferInProgress, "%d -> %d", c.active.info.From, c.active.info.To)
	}
	c.active = t
	c.timers.Add(1)
	c.mu.Unlock()

	logger.Debug(c.nodes[from].ID(), "Simulated transfer to %s started (%s)", c.nodes[to].ID(), req.Method)

	time.AfterFunc(c.config.TransferDuration, func() {
		defer c.timers.Done()
		c.finishTransfer(t)
	})
	return nil
}

func (c *Cluster) finishTransfer(t *transfer) {
	c.writeMu.Lock()
	data := t.snapshot
	if data == nil {
		data = c.nodes[t.from].Snapshot()
	}
	c.nodes[t.to].Replace(data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if c.active == t {
		c.active = nil
	}
	c.mu.Unlock()

	c.transfers.Add(1)
	logger.Debug(c.nodes[t.from].ID(), "Simulated transfer to %s finished (%d points)", c.nodes[t.to].ID(), len(data))
}

func (c *Cluster) clusterInfo(i int) store.ClusterInfo {
	info := store.ClusterInfo{PeerID: c.nodes[i].PeerID()}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active != nil && (c.active.from == i || c.active.to == i) {
		info.ShardTransfers = []store.ShardTransferInfo{c.active.info}
	}
	return info
}

func (c *Cluster) createCollection(name string, cfg store.CollectionConfig) error {
	c.mu.Lock()
	if c.exists {
		c.mu.Unlock()
		return errors.Newf("collection %q already exists", name)
	}
	c.collection = name
	c.collConfig = cfg
	c.exists = true
	c.mu.Unlock()

	for _, n := range c.nodes {
		n.Clear()
	}
	logger.Debug("", "Simulated collection %q created (dim %d)", name, cfg.Dim)
	return nil
}

func (c *Cluster) deleteCollection(name string) error {
	if err := c.checkCollection(name); err != nil {
		return err
	}

	c.mu.Lock()
	c.exists = false
	c.mu.Unlock()

	for _, n := range c.nodes {
		n.Clear()
	}
	return nil
}

// CollectionConfig は作成時のコレクション設定を返す
func (c *Cluster) CollectionConfig() store.CollectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collConfig
}

// Provision はセットアップを経ずにコレクションを作成済みの状態にする
func (c *Cluster) Provision(name string) {
	c.mu.Lock()
	c.collection = name
	c.exists = true
	c.mu.Unlock()
}
