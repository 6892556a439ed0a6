// Package checker verifies that every store node holds the expected state.
//
// A check cycle reads all nodes concurrently and produces one Report per node
// (or adjacent node pair) that does not match. Failing cycles are retried a
// bounded number of times to tolerate replication lag; the first failure
// holds the transfer gate so no new shard transfer starts until the check
// returns. Divergence that survives every attempt is returned as an
// *Inconsistency.
//
// Three expectations are supported:
//
//	checker.Existence(window)            // ids on each node equal the window
//	checker.Scalar(window, "counter", n) // every counter equals n
//	checker.CrossNode(window)            // node i and i+1 hold identical points
package checker
