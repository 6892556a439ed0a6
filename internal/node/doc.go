// Package node provides a simulated store node holding one replica of a
// single-shard point collection.
//
// Points are kept in an ordered skip map so scrolls return ids in ascending
// order, as a real store does. Writes reach a node either directly (the node
// the client talked to) or through its replication queue; queued operations
// are applied in arrival order once they are due, which models replication
// lag without ever reordering writes.
//
// # Basic Usage
//
//	n := node.New("sim://node-0", 1)
//	if err := n.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Stop()
//
//	n.ApplyNow(node.Op{Upsert: points})
//	got := n.Get([]point.ID{1, 2, 3})
//
// # Fault Hooks
//
// DropUpserts silently discards the next upsert batches delivered to the
// node, FailNext makes the next requests fail with ErrUnavailable, and
// SetPayload overwrites a stored payload. Suspend makes the node reject
// requests and miss replicated writes until Resume. They exist so tests can produce
// lost writes, transient errors and divergent replicas on demand.
//
// # Thread Safety
//
// All operations on a Node are safe for concurrent use.
package node
