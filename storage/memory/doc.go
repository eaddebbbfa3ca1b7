// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and
// single-instance deployments.
package memory
