// Package cache is the cache gateway (§4.2): put/get of serialized
// intermediate routing results keyed by (call-id, tree-path). Two
// interchangeable backends satisfy the same interface: an in-process map
// for single-server deployments and tests, and a Redis-backed store for
// multi-server PBX installations.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps a backend failure. The dispatcher surfaces it as
// the CACHE_UNAVAILABLE outcome of §7 (fatal unless the failing put was
// for a node with no children to cache, per spec).
var ErrUnavailable = errors.New("cache: backend unavailable")

// Gateway is the narrow put/get interface of §4.2.
type Gateway interface {
	// Put stores value under (callID, treePath) with the given TTL. Must
	// accept concurrent Puts for distinct keys.
	Put(ctx context.Context, callID, treePath string, value []byte, ttl time.Duration) error

	// Get retrieves the value stored under (callID, treePath). Returns
	// (nil, false, nil) on a miss — never an error for "not found".
	Get(ctx context.Context, callID, treePath string) ([]byte, bool, error)
}

// Key builds the wire key of §6: "stage1:<call-id>:<tree-path>".
func Key(callID, treePath string) string {
	return "stage1:" + callID + ":" + treePath
}
