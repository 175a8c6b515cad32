package ctl

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"scoping/cmd/internal/history"
)

func TestRender(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	est := 5.5
	v := &history.View{
		Pages: 1,
		UI:    history.UIState{Phase: history.PhaseLoaded},
		Items: []history.Item{
			{ID: "r2", SessionID: "s2", SessionLink: "/sessions/s2", Title: "Open one", Status: history.StatusOpen, AccessCode: "123456", CreatedAt: now.Add(-2 * time.Hour)},
			{ID: "r1", SessionID: "s1", Title: "Closed one", Status: history.StatusClosed, Estimate: &est, CreatedAt: now.Add(-72 * time.Hour)},
		},
	}

	var b bytes.Buffer
	if err := Render(&b, v, now); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := b.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines=%d want=4:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "STATUS") {
		t.Fatalf("header=%q", lines[0])
	}
	for _, want := range []string{"open", "123456", "2 hours ago", "/sessions/s2"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("row 1 missing %q: %q", want, lines[1])
		}
	}
	for _, want := range []string{"closed", "5.5", "3 days ago"} {
		if !strings.Contains(lines[2], want) {
			t.Fatalf("row 2 missing %q: %q", want, lines[2])
		}
	}
	if lines[3] != "2 sessions, 1 page(s)" {
		t.Fatalf("footer=%q", lines[3])
	}
}

func TestRender_Phases(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		v    *history.View
		want string
	}{
		{v: nil, want: "loading..."},
		{v: &history.View{UI: history.UIState{Phase: history.PhaseLoading}}, want: "loading..."},
		{v: &history.View{UI: history.UIState{Phase: history.PhaseEmpty}, Pages: 1}, want: "no sessions yet"},
		{v: &history.View{UI: history.UIState{Phase: history.PhaseError, Message: "boom"}}, want: "error: boom"},
	}
	for _, tc := range cases {
		var b bytes.Buffer
		if err := Render(&b, tc.v, now); err != nil {
			t.Fatalf("Render: %v", err)
		}
		if !strings.Contains(b.String(), tc.want) {
			t.Fatalf("out=%q want %q", b.String(), tc.want)
		}
	}
}
