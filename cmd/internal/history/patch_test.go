package history

import (
	"errors"
	"testing"
	"time"
)

func TestPatchMergeRightWins(t *testing.T) {
	t.Parallel()

	a, b := "left", "right"
	code := "654321"
	left := Patch{Title: &a, AccessCode: &code}
	right := Patch{Title: &b}

	got := left.Merge(right)
	if *got.Title != "right" {
		t.Fatalf("Title=%q want=right", *got.Title)
	}
	if got.AccessCode == nil || *got.AccessCode != code {
		t.Fatalf("AccessCode=%v want=%q", got.AccessCode, code)
	}
}

func TestEnrichmentPrecedence(t *testing.T) {
	t.Parallel()

	summaryEst := 3.0
	finalEst := 5.0
	item := Item{
		ID:          "a",
		SessionID:   "s1",
		SessionLink: SessionLink("s1"),
		AccessCode:  "111111",
		Title:       "summary title",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:      StatusOpen,
		Estimate:    &summaryEst,
	}
	rec := SessionRecord{
		SessionID:     "s1",
		Link:          SessionLink("s1"),
		Title:         "session title",
		Status:        StatusClosed,
		FinalEstimate: &finalEst,
	}

	got := PatchFrom(item).Merge(PatchFromSession(rec)).ApplyTo(Item{ID: "a"})

	if got.Title != "session title" || got.Status != StatusClosed {
		t.Fatalf("got=%+v want session fields to win", got)
	}
	if got.Estimate == nil || *got.Estimate != 5 {
		t.Fatalf("Estimate=%v want=5", got.Estimate)
	}
	if got.AccessCode != "111111" || !got.CreatedAt.Equal(item.CreatedAt) {
		t.Fatalf("got=%+v want summary-only fields kept", got)
	}
}

func TestPatchApplyToKeepsID(t *testing.T) {
	t.Parallel()

	sid := "other"
	got := Patch{SessionID: &sid}.ApplyTo(Item{ID: "a", SessionID: "s1"})
	if got.ID != "a" || got.SessionID != "other" {
		t.Fatalf("got=%+v", got)
	}
}

func TestPatchApplyToCopiesEstimate(t *testing.T) {
	t.Parallel()

	est := 2.0
	p := Patch{Estimate: &est}
	got := p.ApplyTo(Item{ID: "a"})
	est = 13
	if *got.Estimate != 2 {
		t.Fatalf("Estimate=%v want=2", *got.Estimate)
	}
}

func TestPatchIsZero(t *testing.T) {
	t.Parallel()

	if !(Patch{}).IsZero() {
		t.Fatalf("empty patch not zero")
	}
	if !PatchFrom(Item{ID: "only-id"}).IsZero() {
		t.Fatalf("patch from id-only item should be zero")
	}
	if PatchFrom(Item{Title: "t"}).IsZero() {
		t.Fatalf("patch with title reported zero")
	}
}

func TestSessionIDFromLink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "sessions/abc", want: "abc"},
		{in: " sessions/abc ", want: "abc"},
		{in: "abc", want: "abc"},
		{in: "users/u1/sessions/xyz", want: "xyz"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := SessionIDFromLink(tc.in); got != tc.want {
			t.Fatalf("SessionIDFromLink(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
	if got := SessionIDFromLink(SessionLink("round")); got != "round" {
		t.Fatalf("round trip=%q want=round", got)
	}
}

func TestQueryValidate(t *testing.T) {
	t.Parallel()

	good := Query{UserID: "u1", OrderBy: OrderCreatedAt, Descending: true, Limit: 10}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate()=%v", err)
	}

	bad := []Query{
		{OrderBy: OrderCreatedAt, Limit: 10},
		{UserID: "u1", OrderBy: "title", Limit: 10},
		{UserID: "u1", OrderBy: OrderCreatedAt},
	}
	for _, q := range bad {
		if err := q.Validate(); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("Validate(%+v)=%v want ErrInvalidQuery", q, err)
		}
	}
}
