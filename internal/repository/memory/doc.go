// Package memory provides in-process implementations of the store
// interfaces. They back tests and local development; every method is safe
// for concurrent use and returns copies, never internal state.
package memory
