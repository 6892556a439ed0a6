package store

import (
	"context"
	"sync"

	"replica-chaos/internal/point"

	"github.com/cockroachdb/errors"
)

// Node は Handle とクラスタ上の識別情報を保持する
type Node struct {
	Index  int
	Handle Handle

	mu       sync.Mutex
	peerID   uint64
	resolved bool
}

// NewNode は新しい Node を作成する
func NewNode(index int, h Handle) *Node {
	return &Node{Index: index, Handle: h}
}

// Addr はノードのアドレスを返す
func (n *Node) Addr() string {
	return n.Handle.Addr()
}

// PeerID はピアIDを返す。初回のみトポロジ問い合わせを行いキャッシュする
func (n *Node) PeerID(ctx context.Context, collection string) (uint64, error) {
	n.mu.Lock()
	if n.resolved {
		id := n.peerID
		n.mu.Unlock()
		return id, nil
	}
	n.mu.Unlock()

	return n.ResolvePeerID(ctx, collection)
}

// ResolvePeerID はキャッシュを使わずにピアIDを問い合わせる
func (n *Node) ResolvePeerID(ctx context.Context, collection string) (uint64, error) {
	info, err := n.Handle.ClusterInfo(ctx, collection)
	if err != nil {
		return 0, errors.Wrapf(err, "cluster info of %s", n.Addr())
	}

	n.mu.Lock()
	n.peerID = info.PeerID
	n.resolved = true
	n.mu.Unlock()

	return info.PeerID, nil
}

// TransferCount はノードが報告しているシャード転送数を返す
func (n *Node) TransferCount(ctx context.Context, collection string) (int, error) {
	info, err := n.Handle.ClusterInfo(ctx, collection)
	if err != nil {
		return 0, errors.Wrapf(err, "cluster info of %s", n.Addr())
	}
	return len(info.ShardTransfers), nil
}

// ScrollAll は offset から全ページを走査する。limit はページサイズ
func (n *Node) ScrollAll(ctx context.Context, collection string, offset *point.ID, pageSize int, filter *Filter, with With) ([]point.Point, error) {
	var out []point.Point
	req := ScrollRequest{Offset: offset, Limit: pageSize, Filter: filter, With: with}

	for {
		page, err := n.Handle.Scroll(ctx, collection, req)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Points...)
		if page.Next == nil || len(page.Points) == 0 {
			return out, nil
		}
		req.Offset = page.Next
	}
}

// Set はハーネスが扱うノードの集合
type Set []*Node

// NewSet は Handle の列から Set を作成する
func NewSet(handles ...Handle) Set {
	set := make(Set, len(handles))
	for i, h := range handles {
		set[i] = NewNode(i, h)
	}
	return set
}

// Addrs は全ノードのアドレスを返す
func (s Set) Addrs() []string {
	addrs := make([]string, len(s))
	for i, n := range s {
		addrs[i] = n.Addr()
	}
	return addrs
}

// Admin は集合の先頭ノードが Admin を実装していればそれを返す
func (s Set) Admin() (Admin, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return AdminOf(s[0].Handle)
}

// Wrapper は別の Handle を包むデコレータが実装する
type Wrapper interface {
	Unwrap() Handle
}

// AdminOf はデコレータを辿って Admin を実装する Handle を探す
func AdminOf(h Handle) (Admin, bool) {
	for h != nil {
		if a, ok := h.(Admin); ok {
			return a, true
		}
		w, ok := h.(Wrapper)
		if !ok {
			return nil, false
		}
		h = w.Unwrap()
	}
	return nil, false
}
