package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/config"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/site"
)

// process exit codes
const (
	exitOK       = 0
	exitPartial  = 1
	exitFailed   = 2
	exitUsage    = 3
	exitNotFound = 4
)

const usage = `usage: sitedeploy [flags] <command>

commands:
  deploy all [-concurrency N]   deploy every site
  deploy site <name>            deploy one site
  list                          list configured sites
  status                        probe every site
  rollback <name> [snapshot]    re-deploy a stored snapshot (default: previous)
  snapshots <name>              list stored snapshots of a site
  serve                         run the HTTP API and health scheduler

flags:
`

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// globals are the flags accepted before the command.
type globals struct {
	configFile string
	sitesFile  string
	dryRun     bool
	logLevel   string
	jsonOut    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sitedeploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globals
	fs.StringVar(&g.configFile, "f", "", "path to configuration file")
	fs.StringVar(&g.sitesFile, "sites", "", "path to the site descriptor file (overrides deploy.sitesFile)")
	fs.BoolVar(&g.dryRun, "dry-run", false, "log commands and transfers without executing them")
	fs.StringVar(&g.logLevel, "log-level", "", "trace, debug, info, warn or error (overrides logging.level)")
	fs.BoolVar(&g.jsonOut, "json", false, "print results as JSON")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(g.configFile)
	if err != nil {
		fmt.Fprintf(stderr, "sitedeploy: %v\n", err)
		return exitUsage
	}
	if g.sitesFile != "" {
		cfg.Deploy.SitesFile = g.sitesFile
	}
	if g.dryRun {
		cfg.Deploy.DryRun = true
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	setupLogging(cfg.Logging, stderr)

	code, err := dispatch(ctx, cfg, g, fs.Args(), stdout)
	if err != nil {
		fmt.Fprintf(stderr, "sitedeploy: %v\n", err)
		return exitCodeFor(err)
	}
	return code
}

func dispatch(ctx context.Context, cfg *config.Config, g globals, args []string, stdout io.Writer) (int, error) {
	out := newPrinter(stdout, g.jsonOut)
	cmd, rest := args[0], args[1:]

	if cmd == "serve" {
		if len(rest) != 0 {
			return exitUsage, usagef("serve takes no arguments")
		}
		return serve(ctx, cfg)
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return exitUsage, err
	}
	defer a.Close()
	orch, err := a.orchestrator(a.store.Sites())
	if err != nil {
		return exitUsage, err
	}

	switch cmd {
	case "deploy":
		if len(rest) == 0 {
			return exitUsage, usagef("deploy needs a target: all or site <name>")
		}
		switch rest[0] {
		case "all":
			dfs := flag.NewFlagSet("deploy all", flag.ContinueOnError)
			dfs.SetOutput(io.Discard)
			concurrency := dfs.Int("concurrency", cfg.Deploy.Concurrency, "sites deployed in parallel")
			if err := dfs.Parse(rest[1:]); err != nil {
				return exitUsage, usagef("deploy all: %v", err)
			}
			if dfs.NArg() != 0 || *concurrency < 1 {
				return exitUsage, usagef("usage: deploy all [-concurrency N], N >= 1")
			}
			report := orch.DeployAll(ctx, *concurrency)
			out.report(report)
			return report.ExitCode(), nil
		case "site":
			if len(rest) != 2 {
				return exitUsage, usagef("usage: deploy site <name>")
			}
			res, err := orch.DeploySite(ctx, rest[1])
			if err != nil {
				return exitNotFound, err
			}
			out.result(res)
			return model.SiteExitCode(res), nil
		}
		return exitUsage, usagef("unknown deploy target %q", rest[0])

	case "list":
		out.sites(orch.List())
		return exitOK, nil

	case "status":
		statuses := orch.Status(ctx)
		out.status(statuses)
		if model.CountOffline(statuses) > 0 {
			return exitPartial, nil
		}
		return exitOK, nil

	case "rollback":
		if len(rest) < 1 || len(rest) > 2 {
			return exitUsage, usagef("usage: rollback <name> [snapshot]")
		}
		snap := ""
		if len(rest) == 2 {
			snap = rest[1]
		}
		res, err := orch.Rollback(ctx, rest[0], snap)
		if err != nil {
			return exitCodeFor(err), err
		}
		out.result(res)
		return model.SiteExitCode(res), nil

	case "snapshots":
		if len(rest) != 1 {
			return exitUsage, usagef("usage: snapshots <name>")
		}
		list, err := orch.Snapshots(rest[0])
		if err != nil {
			return exitCodeFor(err), err
		}
		out.snapshots(list)
		return exitOK, nil
	}
	return exitUsage, usagef("unknown command %q", cmd)
}

func exitCodeFor(err error) int {
	var uerr *usageError
	var cerr *site.ConfigError
	switch {
	case errors.Is(err, site.ErrNotFound):
		return exitNotFound
	case errors.As(err, &uerr), errors.As(err, &cerr):
		return exitUsage
	case errors.Is(err, snapshot.ErrNotFound), errors.Is(err, snapshot.ErrNoSnapshot):
		return exitFailed
	}
	return exitUsage
}

func setupLogging(cfg config.LoggingConfig, w io.Writer) {
	if strings.ToLower(cfg.Format) == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	}

	switch strings.ToLower(cfg.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
