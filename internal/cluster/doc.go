// Package cluster provides an in-process simulated replicated store.
//
// A Cluster owns a fixed set of node replicas of one single-shard collection
// and hands out a store.Handle per node. Writes received by a node are applied
// there immediately and fanned out to every other running node, optionally
// with replication lag. Shard transfers copy the source replica onto the
// destination when they complete; only one transfer may be in flight.
//
// # Basic Usage
//
//	c := cluster.New(cluster.DefaultConfig())
//	if err := c.StartAll(); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	nodes := store.NewSet(c.Handles()...)
//
//	// Fault injection for tests
//	c.Node(1).DropUpserts(1)
//
// The first handle also implements store.Admin so collection setup and
// status polling work against the simulation exactly as against a real
// deployment.
package cluster
