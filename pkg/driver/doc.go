// Package driver implements the CSI Controller, Node, and Identity services
// for node-local ephemeral cache volumes.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - panics, programmer errors
//   - V(1): Configuration, frequently repeating errors
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Created volume X", "Mounted Y to Z", "Purged volume X"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//   - V(5): Trace level - chatty RPCs (capabilities probes)
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package driver
