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

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/logger"
	"github.com/nhle/mailsync/internal/model"
)

const usage = `usage: mailsync [-config path] <command> [flags]

commands:
  migrate                     create or upgrade the local database
  auth                        store provider credentials
  fetch   [-max N] [-query q] ingest messages from the provider
  process [-limit N] [-dry-run]
                              apply rules to the most recent messages
  search  <text>              list stored messages containing text
  watch                       fetch and process on an interval
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	global := flag.NewFlagSet("mailsync", flag.ContinueOnError)
	configPath := global.String("config", model.DefaultConfigPath(), "path to config.yaml")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	if global.NArg() == 0 {
		return errUsage
	}
	cmd, cmdArgs := global.Arg(0), global.Args()[1:]

	// Used until the configured logger exists, and in its place if it
	// cannot be built.
	fallback := logger.NewDevelopment()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		fallback.Error("loading config", zap.String("path", *configPath), zap.Error(err))
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fallback.Warn("configured logger unavailable, logging to stderr", zap.Error(err))
		log = fallback
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("closing store", zap.Error(err))
		}
	}()

	switch cmd {
	case "migrate":
		version, err := a.Migrate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "schema at version %d\n", version)
		return nil

	case "auth":
		return a.Auth(ctx, stdin, stdout)

	case "fetch":
		fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
		maxResults := fs.Int("max", cfg.Ingest.MaxResults, "maximum messages to fetch")
		query := fs.String("query", cfg.Ingest.Query, "provider search query")
		if err := fs.Parse(cmdArgs); err != nil {
			return errUsage
		}
		n, err := a.Fetch(ctx, *maxResults, *query)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d new messages stored\n", n)
		return nil

	case "process":
		fs := flag.NewFlagSet("process", flag.ContinueOnError)
		limit := fs.Int("limit", cfg.Rules.RunLimit, "number of recent messages to process")
		dryRun := fs.Bool("dry-run", cfg.Rules.DryRun, "log actions without applying them")
		if err := fs.Parse(cmdArgs); err != nil {
			return errUsage
		}
		report, err := a.Process(ctx, *limit, *dryRun)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "run %s: %d messages, %d matches, %d actions applied, %d failures\n",
			report.RunID, report.Messages, report.Matches, report.ActionsApplied, len(report.Failures))
		for _, f := range report.Failures {
			fmt.Fprintf(stdout, "  message %d, rule %q (%s): %v\n", f.MessageID, f.Rule, f.Stage, f.Err)
		}
		return nil

	case "search":
		text := strings.TrimSpace(strings.Join(cmdArgs, " "))
		if text == "" {
			return errUsage
		}
		msgs, err := a.Search(ctx, text)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(stdout, "%d\t%s\t%s\t%s\t%s\n",
				m.ID, m.ReceivedAt.Format(model.ReceivedAtLayout), m.Label, m.From, m.Subject)
		}
		return nil

	case "watch":
		return a.Watch(ctx)

	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}
