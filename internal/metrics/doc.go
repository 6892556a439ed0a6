// Package metrics collects per-operation statistics for the remote calls the
// harness issues against store nodes.
//
// Every call is recorded twice: in an in-process Op (totals, error rate,
// average and sampled P99 latency) used for the final report and the status
// API, and in a Prometheus registry exposed on /metrics.
//
// # Basic Usage
//
//	reg := metrics.NewRegistry()
//	h := metrics.Wrap(handle, reg) // every store call is now observed
//
//	snap := reg.Snapshot()
//	for _, op := range snap.Ops {
//	    fmt.Printf("%s: %d calls, P99 %v\n", op.Name, op.Total, op.P99Latency)
//	}
//
// A nil *Registry is valid and records nothing.
package metrics
