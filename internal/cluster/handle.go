package cluster

import (
	"context"

	"replica-chaos/internal/node"
	"replica-chaos/internal/point"
	"replica-chaos/internal/store"
)

// Handle はシミュレーションの1ノードに対する store.Handle と store.Admin の実装
type Handle struct {
	cluster *Cluster
	index   int
}

var (
	_ store.Handle = (*Handle)(nil)
	_ store.Admin  = (*Handle)(nil)
)

func (h *Handle) node() *node.Node {
	return h.cluster.nodes[h.index]
}

// request は遅延と障害の判定を行い、コレクションの存在を確認する
func (h *Handle) request(ctx context.Context, collection string) error {
	if err := h.node().Available(ctx); err != nil {
		return err
	}
	return h.cluster.checkCollection(collection)
}

func (h *Handle) Addr() string {
	return h.node().ID()
}

func (h *Handle) Upsert(ctx context.Context, collection string, points []point.Point, _ bool) error {
	if err := h.request(ctx, collection); err != nil {
		return err
	}
	batch := make([]point.Point, len(points))
	for i, p := range points {
		batch[i] = p.Clone()
	}
	h.cluster.write(h.index, node.Op{Upsert: batch})
	return nil
}

func (h *Handle) Delete(ctx context.Context, collection string, ids []point.ID, _ bool) error {
	if err := h.request(ctx, collection); err != nil {
		return err
	}
	h.cluster.write(h.index, node.Op{Delete: append([]point.ID(nil), ids...)})
	return nil
}

func (h *Handle) Get(ctx context.Context, collection string, ids []point.ID, with store.With) ([]point.Point, error) {
	if err := h.request(ctx, collection); err != nil {
		return nil, err
	}
	return project(h.node().Get(ids), with), nil
}

func (h *Handle) Scroll(ctx context.Context, collection string, req store.ScrollRequest) (store.ScrollPage, error) {
	if err := h.request(ctx, collection); err != nil {
		return store.ScrollPage{}, err
	}

	var match func(point.Point) bool
	if req.Filter != nil && req.Filter.IsEmpty != "" {
		key := req.Filter.IsEmpty
		match = func(p point.Point) bool {
			v, ok := p.Payload[key]
			return !ok || v == nil
		}
	}

	points, next := h.node().Scroll(req.Offset, req.Limit, match)
	return store.ScrollPage{Points: project(points, req.With), Next: next}, nil
}

func (h *Handle) ClusterInfo(ctx context.Context, collection string) (store.ClusterInfo, error) {
	if err := h.request(ctx, collection); err != nil {
		return store.ClusterInfo{}, err
	}
	return h.cluster.clusterInfo(h.index), nil
}

func (h *Handle) RequestShardTransfer(ctx context.Context, collection string, req store.ShardTransfer) error {
	if err := h.request(ctx, collection); err != nil {
		return err
	}
	return h.cluster.startTransfer(h.index, req)
}

func (h *Handle) UpdateCollection(ctx context.Context, collection string, params store.CollectionParams) error {
	if err := h.request(ctx, collection); err != nil {
		return err
	}
	if params.Optimizers == nil {
		h.cluster.optimizerRestarts.Add(1)
	}
	return nil
}

func (h *Handle) CreateCollection(ctx context.Context, collection string, cfg store.CollectionConfig) error {
	if err := h.node().Available(ctx); err != nil {
		return err
	}
	return h.cluster.createCollection(collection, cfg)
}

func (h *Handle) DeleteCollection(ctx context.Context, collection string) error {
	if err := h.node().Available(ctx); err != nil {
		return err
	}
	return h.cluster.deleteCollection(collection)
}

// CollectionStatus は転送中とレプリケーション待ちの間 yellow を返す
func (h *Handle) CollectionStatus(ctx context.Context, collection string) (store.CollectionStatus, error) {
	if err := h.request(ctx, collection); err != nil {
		return "", err
	}
	h.node().Flush()
	if h.cluster.TransferInFlight() || h.node().Pending() > 0 {
		return store.StatusYellow, nil
	}
	return store.StatusGreen, nil
}

// project は With の指定に従ってベクトルとペイロードを取り除く
func project(points []point.Point, with store.With) []point.Point {
	for i := range points {
		if !with.Vectors {
			points[i].Vector = nil
		}
		if !with.Payload {
			points[i].Payload = nil
		}
	}
	return points
}
