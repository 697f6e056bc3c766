package store

import (
	"context"

	"github.com/eventphone/ywsd/internal/models"
)

// Static is an in-memory store.Gateway fake used by unit tests (no
// Postgres required to exercise the routing core). Safe for concurrent
// reads; not safe to mutate once handed to a running dispatcher.
type Static struct {
	byID     map[int64]*models.Extension
	byNumber map[string]*models.Extension
	ranks    map[int64][]models.ForkRank
}

// NewStatic builds a Static gateway from a flat list of extensions and a
// map of extension id -> its fork ranks.
func NewStatic(extensions []models.Extension, ranks map[int64][]models.ForkRank) *Static {
	s := &Static{
		byID:     make(map[int64]*models.Extension, len(extensions)),
		byNumber: make(map[string]*models.Extension, len(extensions)),
		ranks:    ranks,
	}
	for i := range extensions {
		e := extensions[i]
		s.byID[e.ID] = &e
		s.byNumber[e.Number] = &e
	}
	if s.ranks == nil {
		s.ranks = make(map[int64][]models.ForkRank)
	}
	return s
}

// ExtensionByNumber implements Gateway.
func (s *Static) ExtensionByNumber(_ context.Context, number string) (*models.Extension, error) {
	return s.byNumber[number], nil
}

// ExtensionByID implements Gateway.
func (s *Static) ExtensionByID(_ context.Context, id int64) (*models.Extension, error) {
	return s.byID[id], nil
}

// ForkRanksFor implements Gateway.
func (s *Static) ForkRanksFor(_ context.Context, extensionID int64) ([]models.ForkRank, error) {
	return s.ranks[extensionID], nil
}

var _ Gateway = (*Static)(nil)
