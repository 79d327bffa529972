package domain

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusWaiting, StatusActive, true},
		{StatusWaiting, StatusAborted, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusAborted, true},
		{StatusActive, StatusWaiting, false},
		{StatusCompleted, StatusAborted, false},
		{StatusAborted, StatusCompleted, false},
		{StatusActive, StatusActive, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestSideToMoveParity(t *testing.T) {
	for n := 0; n < 6; n++ {
		want := SideFirst
		if n%2 == 1 {
			want = SideSecond
		}
		if got := SideToMoveAt(n); got != want {
			t.Fatalf("move %d: got %s want %s", n, got, want)
		}
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory(" Blitz "); err != nil || c != CategoryBlitz {
		t.Fatalf("ParseCategory: %v %v", c, err)
	}
	if _, err := ParseCategory("hyper"); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestSnapshotSideOf(t *testing.T) {
	s := &Snapshot{First: PlayerRef{ID: "a"}}
	if _, ok := s.SideOf("b"); ok {
		t.Fatalf("b is not seated yet")
	}
	s.Second = &PlayerRef{ID: "b"}
	if side, ok := s.SideOf("b"); !ok || side != SideSecond {
		t.Fatalf("SideOf(b) = %v %v", side, ok)
	}
}

func TestNewFinalRecord(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		ID:        "g1",
		First:     PlayerRef{ID: "a"},
		Second:    &PlayerRef{ID: "b"},
		Category:  CategoryRapid,
		Status:    StatusCompleted,
		Result:    ResultDraw,
		Reason:    ReasonStalemate,
		CreatedAt: start,
		EndedAt:   start.Add(90 * time.Second),
	}
	rec := NewFinalRecord(snap, []MoveRecord{{Ply: 1, UCI: "e2e4", SAN: "e4"}})
	if rec.Second.ID != "b" || rec.Duration != 90*time.Second {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.MovesSAN) != 1 || rec.MovesSAN[0] != "e4" {
		t.Fatalf("moves: %v", rec.MovesSAN)
	}
}
