// Package cleanup implements the distributed cleanup protocol that spans
// the controller and every node plugin.
//
// The protocol runs over the per-volume coordination record (pkg/record):
// DeleteVolume flips the record to cleanup-pending, every node sweeper
// purges its local directory and marks itself completed, and the single
// controller-side completer detects convergence (or the deadline), removes
// the PV finalizer, and deletes the record. Neither side keeps state the
// record cannot rebuild: a restart resubscribes the watch and continues.
package cleanup
