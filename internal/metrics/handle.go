package metrics

import (
	"context"
	"time"

	"replica-chaos/internal/point"
	"replica-chaos/internal/store"
)

// Handle は store.Handle の呼び出しを Registry に記録するデコレータ
type Handle struct {
	store.Handle
	reg *Registry
}

// Wrap は h の呼び出しを reg に記録する Handle を返す。reg が nil なら h をそのまま返す
func Wrap(h store.Handle, reg *Registry) store.Handle {
	if reg == nil {
		return h
	}
	return &Handle{Handle: h, reg: reg}
}

// Unwrap は包まれている Handle を返す
func (h *Handle) Unwrap() store.Handle {
	return h.Handle
}

func (h *Handle) observe(op string, start time.Time, err error) {
	h.reg.Observe(op, h.Handle.Addr(), time.Since(start), err)
}

func (h *Handle) Upsert(ctx context.Context, collection string, points []point.Point, wait bool) error {
	start := time.Now()
	err := h.Handle.Upsert(ctx, collection, points, wait)
	h.observe("upsert", start, err)
	return err
}

func (h *Handle) Delete(ctx context.Context, collection string, ids []point.ID, wait bool) error {
	start := time.Now()
	err := h.Handle.Delete(ctx, collection, ids, wait)
	h.observe("delete", start, err)
	return err
}

func (h *Handle) Get(ctx context.Context, collection string, ids []point.ID, with store.With) ([]point.Point, error) {
	start := time.Now()
	points, err := h.Handle.Get(ctx, collection, ids, with)
	h.observe("get", start, err)
	return points, err
}

func (h *Handle) Scroll(ctx context.Context, collection string, req store.ScrollRequest) (store.ScrollPage, error) {
	start := time.Now()
	page, err := h.Handle.Scroll(ctx, collection, req)
	h.observe("scroll", start, err)
	return page, err
}

func (h *Handle) ClusterInfo(ctx context.Context, collection string) (store.ClusterInfo, error) {
	start := time.Now()
	info, err := h.Handle.ClusterInfo(ctx, collection)
	h.observe("cluster_info", start, err)
	return info, err
}

func (h *Handle) RequestShardTransfer(ctx context.Context, collection string, req store.ShardTransfer) error {
	start := time.Now()
	err := h.Handle.RequestShardTransfer(ctx, collection, req)
	h.observe("shard_transfer", start, err)
	return err
}

func (h *Handle) UpdateCollection(ctx context.Context, collection string, params store.CollectionParams) error {
	start := time.Now()
	err := h.Handle.UpdateCollection(ctx, collection, params)
	h.observe("update_collection", start, err)
	return err
}
