// Package workload drives mutation traffic against the store nodes.
//
// Two workloads are provided:
//
//   - Sweep: every round deletes the previous window of ids and upserts the
//     current one, so after round r exactly [r*W, r*W+W) must exist.
//   - Counter: a fixed set of ids carries an integer counter that every round
//     reads from a random node and writes back incremented through another
//     random node.
//
// Every batch mutation goes to a uniformly chosen node and is retried with a
// bounded budget. Exhaustion is fatal.
//
// # Basic Usage
//
//	cfg := workload.DefaultConfig()
//	cfg.Collection = "benchmark"
//	d := workload.New(cfg, nodes, rand.New(rand.NewPCG(1, 2)))
//
//	for round := range uint64(10) {
//	    if err := d.Sweep(ctx, round); err != nil {
//	        return err
//	    }
//	}
package workload
