package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"replica-chaos/internal/point"
	"replica-chaos/internal/store"
)

func collectionPath(collection string) string {
	return "/collections/" + url.PathEscape(collection)
}

func waitQuery(wait bool) string {
	return "?wait=" + strconv.FormatBool(wait)
}

type upsertRequest struct {
	Points []point.Point `json:"points"`
}

type deleteRequest struct {
	Points []point.ID `json:"points"`
}

type getRequest struct {
	IDs         []point.ID `json:"ids"`
	WithPayload bool       `json:"with_payload"`
	WithVector  bool       `json:"with_vector"`
}

type isEmptyCondition struct {
	IsEmpty struct {
		Key string `json:"key"`
	} `json:"is_empty"`
}

type filter struct {
	Must []isEmptyCondition `json:"must"`
}

type scrollRequest struct {
	Offset      *point.ID `json:"offset,omitempty"`
	Limit       int       `json:"limit"`
	Filter      *filter   `json:"filter,omitempty"`
	WithPayload bool      `json:"with_payload"`
	WithVector  bool      `json:"with_vector"`
}

type scrollResult struct {
	Points []point.Point `json:"points"`
	Next   *point.ID     `json:"next_page_offset"`
}

type replicateShard struct {
	ShardID    uint32               `json:"shard_id"`
	FromPeerID uint64               `json:"from_peer_id"`
	ToPeerID   uint64               `json:"to_peer_id"`
	Method     store.TransferMethod `json:"method,omitempty"`
}

type clusterOperation struct {
	ReplicateShard replicateShard `json:"replicate_shard"`
}

type vectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
	OnDisk   bool   `json:"on_disk,omitempty"`
}

type createCollection struct {
	Vectors                vectorParams          `json:"vectors"`
	ShardNumber            uint32                `json:"shard_number,omitempty"`
	ReplicationFactor      uint32                `json:"replication_factor,omitempty"`
	WriteConsistencyFactor uint32                `json:"write_consistency_factor,omitempty"`
	Optimizers             *store.OptimizersDiff `json:"optimizers_config,omitempty"`
}

type updateCollection struct {
	Optimizers *store.OptimizersDiff `json:"optimizers_config,omitempty"`
}

type collectionInfo struct {
	Status store.CollectionStatus `json:"status"`
}

// Upsert はポイントを書き込む
func (c *Client) Upsert(ctx context.Context, collection string, points []point.Point, wait bool) error {
	path := collectionPath(collection) + "/points" + waitQuery(wait)
	return c.do(ctx, http.MethodPut, path, upsertRequest{Points: points}, nil)
}

// Delete はポイントを削除する
func (c *Client) Delete(ctx context.Context, collection string, ids []point.ID, wait bool) error {
	path := collectionPath(collection) + "/points/delete" + waitQuery(wait)
	return c.do(ctx, http.MethodPost, path, deleteRequest{Points: ids}, nil)
}

// Get は指定IDのポイントを取得する。存在しないIDは結果に含まれない
func (c *Client) Get(ctx context.Context, collection string, ids []point.ID, with store.With) ([]point.Point, error) {
	var out []point.Point
	req := getRequest{IDs: ids, WithPayload: with.Payload, WithVector: with.Vectors}
	if err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Scroll はID順に1ページ分のポイントを取得する
func (c *Client) Scroll(ctx context.Context, collection string, req store.ScrollRequest) (store.ScrollPage, error) {
	body := scrollRequest{
		Offset:      req.Offset,
		Limit:       req.Limit,
		WithPayload: req.With.Payload,
		WithVector:  req.With.Vectors,
	}
	if req.Filter != nil && req.Filter.IsEmpty != "" {
		var cond isEmptyCondition
		cond.IsEmpty.Key = req.Filter.IsEmpty
		body.Filter = &filter{Must: []isEmptyCondition{cond}}
	}

	var res scrollResult
	if err := c.do(ctx, http.MethodPost, collectionPath(collection)+"/points/scroll", body, &res); err != nil {
		return store.ScrollPage{}, err
	}
	return store.ScrollPage{Points: res.Points, Next: res.Next}, nil
}

// ClusterInfo はノードから見たコレクションのトポロジを返す
func (c *Client) ClusterInfo(ctx context.Context, collection string) (store.ClusterInfo, error) {
	var info store.ClusterInfo
	err := c.do(ctx, http.MethodGet, collectionPath(collection)+"/cluster", nil, &info)
	return info, err
}

// RequestShardTransfer はシャードの複製を要求する
func (c *Client) RequestShardTransfer(ctx context.Context, collection string, req store.ShardTransfer) error {
	op := clusterOperation{ReplicateShard: replicateShard{
		ShardID:    req.ShardID,
		FromPeerID: req.FromPeer,
		ToPeerID:   req.ToPeer,
		Method:     req.Method,
	}}
	return c.do(ctx, http.MethodPost, collectionPath(collection)+"/cluster", op, nil)
}

// UpdateCollection はコレクションのパラメータを更新する
func (c *Client) UpdateCollection(ctx context.Context, collection string, params store.CollectionParams) error {
	return c.do(ctx, http.MethodPatch, collectionPath(collection), updateCollection{Optimizers: params.Optimizers}, nil)
}

// CreateCollection はコレクションを作成する
func (c *Client) CreateCollection(ctx context.Context, collection string, cfg store.CollectionConfig) error {
	distance := cfg.Distance
	if distance == "" {
		distance = "Cosine"
	}

	body := createCollection{
		Vectors:                vectorParams{Size: cfg.Dim, Distance: distance, OnDisk: cfg.OnDisk},
		ShardNumber:            cfg.ShardNumber,
		ReplicationFactor:      cfg.ReplicationFactor,
		WriteConsistencyFactor: cfg.WriteConsistencyFactor,
	}
	if cfg.SegmentNumber > 0 || cfg.IndexingThreshold > 0 {
		opt := &store.OptimizersDiff{}
		if cfg.SegmentNumber > 0 {
			opt.DefaultSegmentNumber = &cfg.SegmentNumber
		}
		if cfg.IndexingThreshold > 0 {
			opt.IndexingThreshold = &cfg.IndexingThreshold
		}
		body.Optimizers = opt
	}
	return c.do(ctx, http.MethodPut, collectionPath(collection), body, nil)
}

// DeleteCollection はコレクションを削除する。存在しない場合も成功とする
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	err := c.do(ctx, http.MethodDelete, collectionPath(collection), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// CollectionStatus はコレクションの状態を返す
func (c *Client) CollectionStatus(ctx context.Context, collection string) (store.CollectionStatus, error) {
	var info collectionInfo
	if err := c.do(ctx, http.MethodGet, collectionPath(collection), nil, &info); err != nil {
		return "", err
	}
	return info.Status, nil
}

var (
	_ store.Handle = (*Client)(nil)
	_ store.Admin  = (*Client)(nil)
)
