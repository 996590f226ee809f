// Package runid mints short correlation ids for a single cleaning run so
// operators can grep one pass of the engine out of interleaved multi-worker
// log output.
package runid

import "github.com/nats-io/nuid"

// New returns a new run id. Safe for concurrent use: nuid.Next() is
// goroutine-safe.
func New() string {
	return nuid.Next()
}
