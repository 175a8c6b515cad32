package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"scoping/cmd/internal/connections"
	"scoping/cmd/internal/history"
	"scoping/cmd/security/token"
)

// Options are scopingctl's flags.
type Options struct {
	URL            string
	Origin         string
	Token          string
	User           string
	TokenKey       string
	ConnectionsURL string
	ConnectionType string
	Pages          int
	Once           bool
	Timeout        time.Duration
	LogLevel       string
}

// ErrUsage marks a bad command line.
var ErrUsage = errors.New("usage")

const usage = `scopingctl mirrors your estimation session history.

Usage:
  scopingctl [flags] watch             print the history on every change
  scopingctl [flags] delete <link>     delete a session and its history rows
  scopingctl [flags] refresh <code>    rotate a session's access code
  scopingctl [flags] connect <code>    exchange an external authorization code

Flags:
`

// Run parses args and executes one command. It returns when the command
// completes or ctx ends.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("%w: missing command", ErrUsage)
	}

	cmd, params := rest[0], rest[1:]
	switch cmd {
	case "watch":
		if len(params) != 0 {
			return fmt.Errorf("%w: watch takes no arguments", ErrUsage)
		}
	case "delete", "refresh", "connect":
		if len(params) != 1 || strings.TrimSpace(params[0]) == "" {
			return fmt.Errorf("%w: %s takes exactly one argument", ErrUsage, cmd)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}

	raw, err := resolveToken(opts, time.Now())
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(opts.LogLevel)}))

	s, err := openSession(ctx, log, opts, raw)
	if err != nil {
		return err
	}
	defer s.close()

	switch cmd {
	case "watch":
		return s.watch(ctx, stdout)
	case "delete":
		return s.deleteSession(ctx, stdout, params[0])
	case "refresh":
		return s.refreshAccessCode(ctx, stdout, params[0])
	default:
		return s.connect(ctx, stdout, params[0])
	}
}

func parseFlags(args []string, stderr io.Writer) (Options, []string, error) {
	var opts Options

	fs := pflag.NewFlagSet("scopingctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.URL, "url", envOr("SCOPING_URL", "ws://127.0.0.1:8080/ws"), "gateway WebSocket URL")
	fs.StringVar(&opts.Origin, "origin", "", "Origin header sent on the handshake")
	fs.StringVar(&opts.Token, "token", os.Getenv("SCOPING_TOKEN"), "bearer token")
	fs.StringVar(&opts.User, "user", "", "mint a token for this user id (needs --token-key)")
	fs.StringVar(&opts.TokenKey, "token-key", os.Getenv(token.SigningKeyEnv), "signing key used with --user")
	fs.StringVar(&opts.ConnectionsURL, "connections-url", "", "connections endpoint (default: derived from --url)")
	fs.StringVar(&opts.ConnectionType, "connection-type", connections.TypeTeamwork, "connection type for connect")
	fs.IntVarP(&opts.Pages, "pages", "p", 1, "pages of history to load")
	fs.BoolVar(&opts.Once, "once", false, "watch: print once after loading and exit")
	fs.DurationVar(&opts.Timeout, "timeout", 15*time.Second, "timeout for one-off commands")
	fs.StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Options{}, nil, err
		}
		return Options{}, nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if opts.Pages < 1 {
		return Options{}, nil, fmt.Errorf("%w: --pages must be at least 1", ErrUsage)
	}
	if opts.ConnectionsURL == "" {
		u, err := connectionsURL(opts.URL)
		if err != nil {
			return Options{}, nil, fmt.Errorf("%w: %v", ErrUsage, err)
		}
		opts.ConnectionsURL = u
	}
	return opts, fs.Args(), nil
}

// resolveToken prefers --token and otherwise mints one for --user.
func resolveToken(opts Options, now time.Time) (string, error) {
	if t := strings.TrimSpace(opts.Token); t != "" {
		return t, nil
	}
	if strings.TrimSpace(opts.User) == "" {
		return "", fmt.Errorf("%w: --token or --user is required", ErrUsage)
	}
	iss, err := token.NewIssuer([]byte(strings.TrimSpace(opts.TokenKey)), time.Hour)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	raw, _, err := iss.Issue(opts.User, now)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return raw, nil
}

// connectionsURL maps ws://host/ws to http://host/api/connections.
func connectionsURL(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = "/api/connections"
	u.RawQuery = ""
	return u.String(), nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelWarn
	}
	return l
}

// phaseSettled reports whether a load has finished, successfully or not.
func phaseSettled(p history.Phase) bool {
	return p == history.PhaseLoaded || p == history.PhaseEmpty || p == history.PhaseError
}
