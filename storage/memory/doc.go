// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and intended for tests and
// single-process deployments; state does not survive a restart, so a
// multi-instance deployment must use the valkey backend instead.
package memory
