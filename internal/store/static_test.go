package store

import (
	"context"
	"testing"

	"github.com/eventphone/ywsd/internal/models"
)

func TestStaticExtensionLookup(t *testing.T) {
	exts := []models.Extension{
		{ID: 1, Number: "1010", Kind: models.KindSimple},
		{ID: 2, Number: "1011", Kind: models.KindGroup},
	}
	s := NewStatic(exts, nil)

	got, err := s.ExtensionByNumber(context.Background(), "1010")
	if err != nil {
		t.Fatalf("ExtensionByNumber error: %v", err)
	}
	if got == nil || got.ID != 1 {
		t.Fatalf("ExtensionByNumber(1010) = %v, want id 1", got)
	}

	got, err = s.ExtensionByID(context.Background(), 2)
	if err != nil {
		t.Fatalf("ExtensionByID error: %v", err)
	}
	if got == nil || got.Number != "1011" {
		t.Fatalf("ExtensionByID(2) = %v, want number 1011", got)
	}

	missing, err := s.ExtensionByNumber(context.Background(), "9999")
	if err != nil || missing != nil {
		t.Fatalf("ExtensionByNumber(9999) = %v, %v, want nil, nil", missing, err)
	}
}

func TestStaticForkRanksFor(t *testing.T) {
	ranks := map[int64][]models.ForkRank{
		2: {
			{ExtensionID: 2, Index: 0, Mode: models.RankDefault, Members: []models.RankMember{
				{ExtensionID: 1, Active: true, Kind: models.MemberDefault},
			}},
		},
	}
	s := NewStatic(nil, ranks)

	got, err := s.ForkRanksFor(context.Background(), 2)
	if err != nil {
		t.Fatalf("ForkRanksFor error: %v", err)
	}
	if len(got) != 1 || len(got[0].Members) != 1 {
		t.Fatalf("ForkRanksFor(2) = %+v, want 1 rank with 1 member", got)
	}

	empty, err := s.ForkRanksFor(context.Background(), 999)
	if err != nil || len(empty) != 0 {
		t.Fatalf("ForkRanksFor(999) = %v, %v, want empty", empty, err)
	}
}
