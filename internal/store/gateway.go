// Package store is the read-only store gateway (§4.1): point lookups of
// extensions and their fork ranks by id or number. It has no write
// operations — extension management is out of scope for stage-1 routing.
package store

import (
	"context"
	"errors"

	"github.com/eventphone/ywsd/internal/models"
)

// ErrNotFound is returned by nothing directly; lookup methods instead
// return (nil, nil) on a missing row, matching the teacher's
// "sql.ErrNoRows -> nil, nil" convention. It is exported for callers that
// want to distinguish a deliberate not-found sentinel in tests.
var ErrNotFound = errors.New("store: not found")

// Error wraps a transport/backend failure. The dispatcher surfaces it to
// callers as the transient STORE_UNAVAILABLE routing failure (§7).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Gateway is the read-only interface the tree builder pulls extensions and
// fork ranks through (§4.1). Implementations: Postgres (production) and
// Static (tests).
type Gateway interface {
	// ExtensionByNumber loads an extension by its dialed number. Returns
	// (nil, nil) if no such number exists.
	ExtensionByNumber(ctx context.Context, number string) (*models.Extension, error)

	// ExtensionByID loads an extension by its surrogate id. Returns
	// (nil, nil) if no such id exists.
	ExtensionByID(ctx context.Context, id int64) (*models.Extension, error)

	// ForkRanksFor loads the ordered fork ranks (with pre-joined rank
	// members, in stored order) for a GROUP/MULTIRING extension.
	ForkRanksFor(ctx context.Context, extensionID int64) ([]models.ForkRank, error)
}
