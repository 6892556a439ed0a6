package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"replica-chaos/internal/node"
	"replica-chaos/internal/point"
	"replica-chaos/internal/store"
)

const coll = "benchmark"

func newTestCluster(t *testing.T, cfg Config) *Cluster {
	t.Helper()
	c := New(cfg)
	if err := c.StartAll(); err != nil {
		t.Fatalf("failed to start cluster: %v", err)
	}
	if err := c.Handle(0).CreateCollection(context.Background(), coll, store.CollectionConfig{Dim: 4}); err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func pts(ids ...point.ID) []point.Point {
	out := make([]point.Point, len(ids))
	for i, id := range ids {
		out[i] = point.Point{ID: id, Vector: point.Vector{1, 0, 0, 0}, Payload: point.Payload{"key": int64(id)}}
	}
	return out
}

func TestNewCluster(t *testing.T) {
	c := New(Config{Nodes: 4})
	if c.Size() != 4 {
		t.Errorf("expected size 4, got %d", c.Size())
	}
	if c.RunningCount() != 0 {
		t.Errorf("expected no running nodes, got %d", c.RunningCount())
	}

	seen := make(map[uint64]bool)
	for i, h := range c.Handles() {
		if want := fmt.Sprintf("sim://node-%d", i); h.Addr() != want {
			t.Errorf("expected address %s, got %s", want, h.Addr())
		}
		peer := c.Node(i).PeerID()
		if seen[peer] {
			t.Errorf("duplicate peer id %d", peer)
		}
		seen[peer] = true
	}
}

func TestWritesReplicate(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 3, TransferDuration: time.Millisecond})
	ctx := context.Background()

	if err := c.Handle(1).Upsert(ctx, coll, pts(1, 2, 3), true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.Handle(2).Delete(ctx, coll, []point.ID{2}, true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for i := range 3 {
		got, err := c.Handle(i).Get(ctx, coll, []point.ID{1, 2, 3}, store.With{Payload: true})
		if err != nil {
			t.Fatalf("node %d get: %v", i, err)
		}
		if ids := point.IDs(got); len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
			t.Errorf("node %d: expected [1 3], got %v", i, ids)
		}
		if got[0].Vector != nil {
			t.Errorf("node %d: vectors must be stripped", i)
		}
	}
}

func TestReplicationLag(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 2, ReplicationLag: 40 * time.Millisecond})
	ctx := context.Background()

	_ = c.Handle(0).Upsert(ctx, coll, pts(1), true)

	if got, _ := c.Handle(1).Get(ctx, coll, []point.ID{1}, store.With{}); len(got) != 0 {
		t.Error("expected replica to lag behind")
	}
	if status, _ := c.Handle(1).CollectionStatus(ctx, coll); status != store.StatusYellow {
		t.Errorf("expected yellow while replication is pending, got %s", status)
	}

	time.Sleep(60 * time.Millisecond)
	if got, _ := c.Handle(1).Get(ctx, coll, []point.ID{1}, store.With{}); len(got) != 1 {
		t.Error("expected replica to converge")
	}
	if status, _ := c.Handle(1).CollectionStatus(ctx, coll); status != store.StatusGreen {
		t.Errorf("expected green after convergence, got %s", status)
	}
}

func TestStoppedNodeMissesWrites(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 2})
	ctx := context.Background()

	_ = c.Node(1).Stop()
	if err := c.Handle(1).Upsert(ctx, coll, pts(1), true); !errors.Is(err, node.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from stopped node, got %v", err)
	}

	_ = c.Handle(0).Upsert(ctx, coll, pts(1), true)
	_ = c.Node(1).Start()

	if c.Node(1).Len() != 0 {
		t.Error("expected stopped node to have missed the write")
	}
}

func TestUnknownCollection(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 1})
	_, err := c.Handle(0).Get(context.Background(), "other", []point.ID{1}, store.With{})
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestShardTransfer(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 3, TransferDuration: 50 * time.Millisecond})
	ctx := context.Background()

	_ = c.Handle(0).Upsert(ctx, coll, pts(1, 2), true)
	c.Node(2).Replace(pts(9))

	req := store.ShardTransfer{
		FromPeer: c.Node(0).PeerID(),
		ToPeer:   c.Node(2).PeerID(),
		Method:   store.TransferWalDelta,
	}

	if err := c.Handle(1).RequestShardTransfer(ctx, coll, req); err == nil {
		t.Error("expected transfer requested on a non-source node to fail")
	}

	if err := c.Handle(0).RequestShardTransfer(ctx, coll, req); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	info, _ := c.Handle(0).ClusterInfo(ctx, coll)
	if len(info.ShardTransfers) != 1 || info.ShardTransfers[0].Method != store.TransferWalDelta {
		t.Errorf("expected one wal_delta transfer on the source, got %+v", info.ShardTransfers)
	}
	if info, _ := c.Handle(1).ClusterInfo(ctx, coll); len(info.ShardTransfers) != 0 {
		t.Errorf("uninvolved node must not report the transfer, got %+v", info.ShardTransfers)
	}
	if status, _ := c.Handle(0).CollectionStatus(ctx, coll); status != store.StatusYellow {
		t.Errorf("expected yellow during transfer, got %s", status)
	}

	if err := c.Handle(1).RequestShardTransfer(ctx, coll, store.ShardTransfer{
		FromPeer: c.Node(1).PeerID(), ToPeer: c.Node(0).PeerID(),
	}); !errors.Is(err, ErrTransferInProgress) {
		t.Errorf("expected ErrTransferInProgress, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if c.TransferInFlight() {
		t.Fatal("expected transfer to finish")
	}
	if got := point.IDs(c.Node(2).Snapshot()); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected destination to hold a copy of the source, got %v", got)
	}
	if c.CompletedTransfers() != 1 {
		t.Errorf("expected 1 completed transfer, got %d", c.CompletedTransfers())
	}
}

func TestStaleTransferLosesWrites(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 2, TransferDuration: 50 * time.Millisecond, StaleTransfers: true})
	ctx := context.Background()

	_ = c.Handle(0).Upsert(ctx, coll, pts(1), true)
	_ = c.Handle(0).RequestShardTransfer(ctx, coll, store.ShardTransfer{
		FromPeer: c.Node(0).PeerID(), ToPeer: c.Node(1).PeerID(), Method: store.TransferStreamRecords,
	})
	_ = c.Handle(0).Upsert(ctx, coll, pts(2), true)

	time.Sleep(100 * time.Millisecond)

	if c.Node(0).Len() != 2 {
		t.Errorf("expected source to keep both points, got %d", c.Node(0).Len())
	}
	if c.Node(1).Len() != 1 {
		t.Errorf("expected destination to lose the write made during the transfer, got %d", c.Node(1).Len())
	}
}

func TestWritesDuringTransferReachDestination(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 3, TransferDuration: time.Millisecond})
	ctx := context.Background()

	const total = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := range point.ID(total) {
			_ = c.Handle(0).Upsert(ctx, coll, pts(id), true)
		}
	}()

	req := store.ShardTransfer{FromPeer: c.Node(1).PeerID(), ToPeer: c.Node(2).PeerID(), Method: store.TransferStreamRecords}
	transfers := 0
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			if err := c.Handle(1).RequestShardTransfer(ctx, coll, req); err == nil {
				transfers++
			}
			time.Sleep(200 * time.Microsecond)
		}
	}
	for c.TransferInFlight() {
		time.Sleep(time.Millisecond)
	}

	if transfers == 0 {
		t.Fatal("expected at least one transfer during the writes")
	}
	for i := range 3 {
		if got := c.Node(i).Len(); got != total {
			t.Errorf("node %d: expected %d points, got %d", i, total, got)
		}
	}
}

func TestOutage(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 2})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Outage(ctx, 1, 10*time.Millisecond, 200*time.Millisecond) }()

	time.Sleep(60 * time.Millisecond)
	if c.Node(1).Status() != node.StatusSuspended {
		t.Fatalf("expected node 1 suspended, got %s", c.Node(1).Status())
	}
	if _, err := c.Handle(1).Get(ctx, coll, []point.ID{1}, store.With{}); err == nil {
		t.Error("expected suspended node to reject requests")
	}
	_ = c.Handle(0).Upsert(ctx, coll, pts(1), true)

	if err := <-done; err != nil {
		t.Fatalf("outage: %v", err)
	}
	if c.Node(1).Status() != node.StatusRunning {
		t.Errorf("expected node 1 running after the outage, got %s", c.Node(1).Status())
	}
	if c.Node(1).Len() != 0 {
		t.Error("expected suspended node to have missed the write")
	}
}

func TestOutageCancelledBeforeStart(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Outage(ctx, 1, time.Second, 0); err != nil {
		t.Errorf("expected nil on cancel, got %v", err)
	}
	if c.Node(1).Status() != node.StatusRunning {
		t.Errorf("expected node 1 untouched, got %s", c.Node(1).Status())
	}
}

func TestScrollIsEmptyFilter(t *testing.T) {
	c := newTestCluster(t, Config{Nodes: 1})
	ctx := context.Background()

	_ = c.Handle(0).Upsert(ctx, coll, append(pts(1, 2), point.Point{ID: 3}), true)

	page, err := c.Handle(0).Scroll(ctx, coll, store.ScrollRequest{Limit: 10, Filter: &store.Filter{IsEmpty: "key"}})
	if err != nil {
		t.Fatalf("scroll: %v", err)
	}
	if ids := point.IDs(page.Points); len(ids) != 1 || ids[0] != 3 {
		t.Errorf("expected [3], got %v", ids)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	c := New(Config{Nodes: 2})
	ctx := context.Background()
	_ = c.StartAll()
	defer c.Close()

	var admin store.Admin = c.Handle(0)
	if err := admin.DeleteCollection(ctx, coll); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
	if err := admin.CreateCollection(ctx, coll, store.CollectionConfig{Dim: 8, ReplicationFactor: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.CollectionConfig().Dim != 8 {
		t.Errorf("expected dim 8, got %d", c.CollectionConfig().Dim)
	}
	if err := admin.CreateCollection(ctx, coll, store.CollectionConfig{}); err == nil {
		t.Error("expected error creating an existing collection")
	}

	_ = c.Handle(1).UpdateCollection(ctx, coll, store.CollectionParams{})
	if c.OptimizerRestarts() != 1 {
		t.Errorf("expected 1 optimizer restart, got %d", c.OptimizerRestarts())
	}

	if err := admin.DeleteCollection(ctx, coll); err != nil {
		t.Errorf("delete: %v", err)
	}
}
