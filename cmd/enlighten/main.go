package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/raterudder/enlighten/pkg/cache"
	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/envoy"
	"github.com/raterudder/enlighten/pkg/log"
	"github.com/raterudder/enlighten/pkg/server"
	"github.com/raterudder/enlighten/pkg/storage"
)

const usage = `usage: enlighten [serve|get|migrate] [flags]

  serve    serve queries over HTTP (default)
  get      run a single query and print the result
  migrate  apply cache database migrations and exit
`

func main() {
	// secrets can come from a .env file in the working directory
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cmd := "serve"
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	// init packages
	client := enphase.Configured(os.Getenv("ENPHASE_API_KEY"), os.Getenv("ENPHASE_USER_ID"))
	exec := envoy.Configured(client, client.TimeAdapter)
	s := storage.Configured()
	rec := cache.Configured(enphase.NewDecodingSource(exec, client.TimeAdapter), s, client.Location)

	// init server
	srv := server.Configured(rec, client.Location)

	command := lflag.String("command", enphase.CommandSummary, "get: command to run ("+strings.Join(enphase.Commands, ", ")+")")
	systemID := lflag.String("system-id", "", "get: system to query")
	params := lflag.String("params", "", "get: query string of parameters (e.g. start_at=2024-05-14&end_at=2024-05-15)")
	output := lflag.String("output", "table", "get: output kind (table, json, raw)")
	noCache := lflag.Bool("no-cache", false, "get: skip the cache and always ask the API")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	var err error
	switch cmd {
	case "serve":
		// Run will block until context is canceled or error happens
		err = srv.Run(ctx)
	case "migrate":
		if m, ok := s.(storage.Migrator); ok {
			err = m.Migrate(ctx)
		}
	case "get":
		err = runGet(ctx, os.Stdout, getOptions{
			client:   client,
			exec:     exec,
			source:   rec,
			command:  *command,
			systemID: *systemID,
			params:   *params,
			output:   *output,
			noCache:  *noCache,
		})
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, cmd+" failed", "error", err)
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).DebugContext(ctx, cmd+" exited cleanly")
}

type getOptions struct {
	client   *enphase.Client
	exec     enphase.Executor
	source   enphase.Source
	command  string
	systemID string
	params   string
	output   string
	noCache  bool
}

// runGet runs one query and writes the result to w as JSON. Tables go
// through the cache; raw and structured output always ask the API.
func runGet(ctx context.Context, w io.Writer, opts getOptions) error {
	kind, err := enphase.ParseOutputKind(opts.output)
	if err != nil {
		return err
	}
	values, err := url.ParseQuery(opts.params)
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	params, err := enphase.ParseParams(values, opts.client.Location())
	if err != nil {
		return err
	}
	if opts.noCache {
		params["no_cache"] = true
	}
	q, err := enphase.Build(opts.systemID, opts.command, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if kind == enphase.OutputTabular {
		tbl, err := opts.source.Table(ctx, q)
		if err != nil {
			if !cache.IsPersistError(err) || tbl == nil {
				return err
			}
			log.Ctx(ctx).WarnContext(ctx, "result was not cached", slog.Any("error", err))
		}
		return enc.Encode(tbl)
	}

	delete(q.Params, "no_cache")
	body, err := opts.exec.Execute(ctx, q)
	if err != nil {
		return err
	}
	resp, err := enphase.Decode(q.Command, body, opts.client.TimeAdapter(), kind)
	if err != nil {
		return err
	}
	if kind == enphase.OutputRaw {
		_, err = w.Write(append(resp.Raw, '\n'))
		return err
	}
	return enc.Encode(resp.Structured)
}
