// reduce runs the reduction engine over NDJSON flight logs on disk and
// stores the result, without a server. Inputs may be zstd-compressed.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/ingest"
	"github.com/nicktill/flightreduce/pkg/observability"
	"github.com/nicktill/flightreduce/pkg/query"
	"github.com/nicktill/flightreduce/pkg/reduce"
	"github.com/nicktill/flightreduce/pkg/server"
	"github.com/nicktill/flightreduce/pkg/storage"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type options struct {
	configPath       string
	backend          string
	dataDir          string
	dsn              string
	logID            string
	expectedDuration float64
	output           string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flags := pflag.NewFlagSet("reduce", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", os.Getenv("FLIGHTREDUCE_CONFIG"), "YAML configuration file")
	flags.StringVar(&opts.backend, "backend", "", "storage backend override: memory, badger or postgres")
	flags.StringVar(&opts.dataDir, "data-dir", "", "badger data directory override")
	flags.StringVar(&opts.dsn, "postgres-dsn", "", "PostgreSQL connection string override")
	flags.StringVar(&opts.logID, "log-id", "", "log ID (default: file name without extensions); only valid with one input")
	flags.Float64Var(&opts.expectedDuration, "expected-duration", 0, "expected flight length in seconds")
	flags.StringVar(&opts.output, "output", "text", "summary format: text, json or none")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: reduce [flags] <log.ndjson[.zst]>... (- for stdin)\n\n%s", flags.FlagUsages())
	}
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		flags.Usage()
		return fmt.Errorf("no input files")
	}
	if opts.logID != "" && len(inputs) > 1 {
		return fmt.Errorf("--log-id needs exactly one input, got %d", len(inputs))
	}
	switch opts.output {
	case "text", "json", "none":
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.backend != "" {
		cfg.Storage.Backend = opts.backend
	}
	if opts.dataDir != "" {
		cfg.Storage.DataDir = opts.dataDir
	}
	if opts.dsn != "" {
		cfg.Storage.PostgresDSN = opts.dsn
	}
	if opts.expectedDuration > 0 {
		cfg.Reduce.ExpectedDuration = opts.expectedDuration
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Storage.Backend == config.BackendBadger {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := server.InitializeStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := &ingest.Runner{
		Sink:      store,
		QueueSize: cfg.Ingest.QueueSize,
		BatchSize: cfg.Ingest.BatchSize,
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	executor := query.NewExecutor(store)

	for _, path := range inputs {
		logID := opts.logID
		if logID == "" {
			logID = logIDFromPath(path)
		}
		if err := reduceFile(ctx, runner, cfg.Reduce, path, logID); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := printSummary(ctx, executor, logID, opts.output); err != nil {
			return err
		}
	}
	return nil
}

func reduceFile(ctx context.Context, runner *ingest.Runner, cfg reduce.Config, path, logID string) error {
	exists, err := storage.LogExists(ctx, runner.Sink, logID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s (delete it first or pass --log-id)", storage.ErrLogExists, logID)
	}

	in, closeIn, err := openInput(path)
	if err != nil {
		return err
	}
	defer closeIn()

	p, err := reduce.New(logID, cfg)
	if err != nil {
		return err
	}
	dec := ingest.NewDecoder(in)
	res, err := runner.RunDecoder(ctx, p, dec)
	if err != nil {
		return err
	}

	log.Printf("Reduced %s: %d messages, %d stored, %d lines skipped",
		logID, res.Processed, res.Report.Totals().StoredMessages, res.Skipped)
	if res.Skipped > 0 && dec.LastError() != nil {
		log.Printf("Last skipped line: %v", dec.LastError())
	}
	return nil
}

// openInput opens a file or stdin, transparently decompressing zstd.
func openInput(path string) (io.Reader, func(), error) {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, nil, fmt.Errorf("failed to open input: %w", err)
		}
	}
	closeFile := func() {
		if f != os.Stdin {
			f.Close()
		}
	}

	br := bufio.NewReaderSize(f, 1<<16)
	head, _ := br.Peek(len(zstdMagic))
	if string(head) != string(zstdMagic) {
		return br, closeFile, nil
	}

	zr, err := zstd.NewReader(br)
	if err != nil {
		closeFile()
		return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return zr, func() {
		zr.Close()
		closeFile()
	}, nil
}

func logIDFromPath(path string) string {
	if path == "-" {
		return "stdin"
	}
	base := filepath.Base(path)
	for _, ext := range []string{".zst", ".ndjson", ".jsonl", ".json"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func printSummary(ctx context.Context, executor *query.Executor, logID, format string) error {
	if format == "none" {
		return nil
	}
	overview, err := executor.Overview(ctx, logID)
	if err != nil {
		if errors.Is(err, storage.ErrLogNotFound) {
			return fmt.Errorf("log %s was not stored", logID)
		}
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overview)
	}
	if err := query.WriteText(os.Stdout, overview); err != nil {
		return err
	}
	fmt.Println()
	return nil
}
