package ctl

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"scoping/cmd/internal/history"
)

// Render writes v as a table, newest session first. Times are relative to now.
func Render(w io.Writer, v *history.View, now time.Time) error {
	if v == nil {
		v = &history.View{}
	}

	switch v.UI.Phase {
	case history.PhaseError:
		if _, err := fmt.Fprintf(w, "error: %s\n", v.UI.Message); err != nil {
			return err
		}
	case history.PhaseEmpty:
		_, err := fmt.Fprintln(w, "no sessions yet")
		return err
	case history.PhaseIdle, history.PhaseLoading:
		if len(v.Items) == 0 {
			_, err := fmt.Fprintln(w, "loading...")
			return err
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tTITLE\tESTIMATE\tCODE\tCREATED\tLINK")
	for _, it := range v.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			statusLabel(it.Status),
			it.Title,
			estimateLabel(it.Estimate),
			dash(it.AccessCode),
			createdLabel(it.CreatedAt, now),
			dash(it.SessionLink),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%s, %d page(s)\n", pluralSessions(len(v.Items)), v.Pages)
	return err
}

func statusLabel(s history.Status) string {
	if s == "" {
		return "-"
	}
	return string(s)
}

func estimateLabel(e *float64) string {
	if e == nil {
		return "-"
	}
	return strconv.FormatFloat(*e, 'f', -1, 64)
}

func createdLabel(at, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func pluralSessions(n int) string {
	if n == 1 {
		return "1 session"
	}
	return humanize.Comma(int64(n)) + " sessions"
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
