// Package mount provides the filesystem primitives of the node plugin:
// idempotent bind mounts of local cache directories, idempotent unmounts,
// and the guarded recursive purge the cleanup sweeper relies on.
//
// Everything here operates on plain directories under the configured base
// path; there are no block devices anywhere in this driver.
package mount
