// Package main is the entry point for the seradb command line client.
//
// seradb reads a YAML manifest describing a remote collection API and its
// tables, then fetches, searches, watches and writes records through the
// typed record store. Records are printed to stdout as JSON lines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/seradb/internal/config"
	"github.com/maruel/seradb/internal/remote"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "seradb: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: seradb [flags] <command> [args]

commands:
  get <table> <id>...                fetch records by id
  list <table> [flags]               query a table
  find <table> <field> <value>       look up records through a foreign-key index
  put <table> [-id id] field=value...  create or update a record
  watch <table> <query.yaml>         rerun a query file each time it changes

flags:
`

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "seradb.yaml", "Path to the manifest")
	token := flag.String("token", "", "Bearer token for the remote API")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println(versionString())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	// Flags win over the environment, which wins over .env next to the
	// manifest.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["config"] {
		if v := os.Getenv("SERADB_CONFIG"); v != "" {
			*configPath = v
		}
	}
	env, err := loadDotEnv(filepath.Dir(*configPath))
	if err != nil {
		return err
	}
	if !set["token"] {
		*token = firstNonEmpty(os.Getenv("SERADB_TOKEN"), env["SERADB_TOKEN"])
	}
	if !set["log-level"] {
		if v := firstNonEmpty(os.Getenv("SERADB_LOG_LEVEL"), env["SERADB_LOG_LEVEL"]); v != "" {
			*logLevel = v
		}
	}

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	manifest, err := config.ParseManifest(*configPath)
	if err != nil {
		return err
	}
	if *token == "" {
		*token = manifest.Token
	}
	checkTokenExpiry(ctx, *token)

	client, err := remote.NewClient(ctx, &remote.Options{
		BaseURL:           manifest.BaseURL,
		Token:             *token,
		RequestsPerSecond: manifest.RateLimit.RequestsPerSecond,
		Burst:             manifest.RateLimit.Burst,
		Timeout:           manifest.Timeout,
	})
	if err != nil {
		return err
	}
	app, err := newApp(manifest, client, os.Stdout)
	if err != nil {
		return err
	}
	if err := app.run(ctx, args[0], args[1:]); err != nil {
		if remote.IsRateLimited(err) {
			return fmt.Errorf("%w (lower rate_limit.requests_per_second in %s)", err, *configPath)
		}
		return err
	}
	return nil
}

// checkTokenExpiry warns about expired or soon expiring JWT tokens.
func checkTokenExpiry(ctx context.Context, token string) {
	exp, ok := remote.TokenExpiry(token)
	if !ok {
		return
	}
	switch left := time.Until(exp); {
	case left <= 0:
		slog.WarnContext(ctx, "Token expired", "exp", exp)
	case left < 24*time.Hour:
		slog.WarnContext(ctx, "Token expires soon", "exp", exp, "left", left.Round(time.Minute))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// versionString describes the binary from its embedded build info.
func versionString() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "seradb (no build info)"
	}
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		v = "dev"
	}
	var rev, dirty string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "+dirty"
			}
		}
	}
	if rev == "" {
		return fmt.Sprintf("seradb %s %s", v, info.GoVersion)
	}
	return fmt.Sprintf("seradb %s %s %s%s", v, info.GoVersion, rev, dirty)
}
