// Package store defines the remote operations the harness consumes from each
// store node, and the node set shared by all harness components.
package store

import (
	"context"

	"replica-chaos/internal/point"

	"github.com/cockroachdb/errors"
)

// ErrCollectionNotFound is returned by adapters when the collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

// TransferMethod is the mechanism a shard transfer uses to move data.
type TransferMethod string

const (
	TransferStreamRecords TransferMethod = "stream_records"
	TransferSnapshot      TransferMethod = "snapshot"
	TransferWalDelta      TransferMethod = "wal_delta"
)

// ParseTransferMethod validates a transfer method name.
func ParseTransferMethod(s string) (TransferMethod, bool) {
	switch m := TransferMethod(s); m {
	case TransferStreamRecords, TransferSnapshot, TransferWalDelta:
		return m, true
	default:
		return "", false
	}
}

// With selects which parts of a point a read returns.
type With struct {
	Vectors bool
	Payload bool
}

// Filter restricts a scroll. IsEmpty selects points whose payload key is absent or empty.
type Filter struct {
	IsEmpty string
}

// ScrollRequest describes one page of an id-ordered scan.
type ScrollRequest struct {
	Offset *point.ID // first id to return, nil starts at the beginning
	Limit  int
	Filter *Filter
	With   With
}

// ScrollPage is one page of scroll results. Next is nil on the last page.
type ScrollPage struct {
	Points []point.Point
	Next   *point.ID
}

// ShardTransferInfo describes one transfer registered in the cluster.
type ShardTransferInfo struct {
	ShardID uint32         `json:"shard_id"`
	From    uint64         `json:"from"`
	To      uint64         `json:"to"`
	Sync    bool           `json:"sync"`
	Method  TransferMethod `json:"method,omitempty"`
}

// ClusterInfo is a node's view of the collection topology.
type ClusterInfo struct {
	PeerID         uint64              `json:"peer_id"`
	ShardTransfers []ShardTransferInfo `json:"shard_transfers"`
}

// ShardTransfer is a request to replicate a shard from one peer to another.
type ShardTransfer struct {
	ShardID  uint32
	FromPeer uint64
	ToPeer   uint64
	Method   TransferMethod
}

// OptimizersDiff holds optional optimizer parameters of a collection update.
type OptimizersDiff struct {
	DefaultSegmentNumber *uint64 `json:"default_segment_number,omitempty"`
	IndexingThreshold    *uint64 `json:"indexing_threshold,omitempty"`
}

// CollectionParams is a collection update. An empty update restarts the optimizers.
type CollectionParams struct {
	Optimizers *OptimizersDiff
}

// CollectionConfig describes a collection created during setup.
type CollectionConfig struct {
	Dim                    int
	Distance               string
	OnDisk                 bool
	ShardNumber            uint32
	ReplicationFactor      uint32
	WriteConsistencyFactor uint32
	SegmentNumber          uint64
	IndexingThreshold      uint64
}

// CollectionStatus is the optimizer/health status of a collection.
type CollectionStatus string

const (
	StatusGreen  CollectionStatus = "green"
	StatusYellow CollectionStatus = "yellow"
	StatusGrey   CollectionStatus = "grey"
	StatusRed    CollectionStatus = "red"
)

// Handle is the per-node remote interface. Every call may fail with a
// transient error.
type Handle interface {
	Addr() string
	Upsert(ctx context.Context, collection string, points []point.Point, wait bool) error
	Delete(ctx context.Context, collection string, ids []point.ID, wait bool) error
	Get(ctx context.Context, collection string, ids []point.ID, with With) ([]point.Point, error)
	Scroll(ctx context.Context, collection string, req ScrollRequest) (ScrollPage, error)
	ClusterInfo(ctx context.Context, collection string) (ClusterInfo, error)
	RequestShardTransfer(ctx context.Context, collection string, req ShardTransfer) error
	UpdateCollection(ctx context.Context, collection string, params CollectionParams) error
}

// Admin covers collection lifecycle calls used during setup and stabilization.
type Admin interface {
	CreateCollection(ctx context.Context, collection string, cfg CollectionConfig) error
	DeleteCollection(ctx context.Context, collection string) error
	CollectionStatus(ctx context.Context, collection string) (CollectionStatus, error)
}
