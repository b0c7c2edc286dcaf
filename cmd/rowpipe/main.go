// Command rowpipe loads a pipeline definition and runs one import: rows are
// read from the configured source, reconciled with the target table,
// validated and written to the configured database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	"rowpipe/internal/importer"
	"rowpipe/internal/logging"
	"rowpipe/internal/metrics"
	"rowpipe/internal/metrics/datadog"
	"rowpipe/internal/metrics/prompush"
	"rowpipe/internal/parser"
	"rowpipe/internal/probe"
	"rowpipe/internal/storage"

	// register all backends with the storage factory.
	_ "rowpipe/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit. It returns 0 on success, 1 for an
// invalid configuration or a failed run and 2 for usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rowpipe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPaths       []string
		validateOnly   bool
		probeOnly      bool
		probeRows      int
		verbose        bool
		metricsBackend string
		pushGatewayURL string
		statsdAddr     string
	)
	fs.StringSliceVarP(&cfgPaths, "config", "c", nil, "pipeline config file (JSON, JSONC or YAML); repeat to layer files")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&probeOnly, "probe", false, "sample the source, print the pipeline with an inferred target and exit")
	fs.IntVar(&probeRows, "probe-rows", probe.DefaultRows, "rows sampled by --probe")
	fs.BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend (pushgateway, datadog, none)")
	fs.StringVar(&pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&statsdAddr, "statsd-addr", "", "DogStatsD address (overrides env STATSD_ADDR)")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(cfgPaths) == 0 {
		fmt.Fprintln(stderr, "rowpipe: --config is required")
		return 2
	}

	p, err := config.LoadFiles(cfgPaths, fs)
	if err != nil {
		fmt.Fprintf(stderr, "rowpipe: %v\n", err)
		return 1
	}

	level := p.Logging.Level
	if verbose {
		level = "debug"
	}
	log := logging.New("rowpipe", logging.Options{Level: level, Console: p.Logging.Console, Out: stderr})

	if probeOnly {
		return runProbe(ctx, p, probeRows, stdout, stderr, log)
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Error().Strs("config", cfgPaths).Msg("configuration is invalid")
		return 1
	}
	if validateOnly {
		log.Info().Strs("config", cfgPaths).Msg("configuration is valid")
		return 0
	}

	if flush := setupMetrics(p, metricsBackend, pushGatewayURL, statsdAddr, log); flush != nil {
		defer flush()
	}

	start := time.Now()
	log.Debug().
		Str("source", p.Source.Kind).
		Str("parser", p.Parser.Kind).
		Str("storage", p.Storage.Kind).
		Str("table", p.Target.Name).
		Msg("pipeline")

	repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN, UseCopy: p.Storage.UseCopy})
	if err != nil {
		log.Error().Err(err).Msg("init repo")
		return 1
	}
	defer repo.Close()

	rep, err := importer.New(p, repo, importer.WithLogger(log)).Run(ctx)
	printReport(stdout, rep)
	if err != nil {
		var ae *dataiter.AbortError
		if errors.As(err, &ae) && ae.Cause == nil {
			// Row errors were already printed with the report.
			log.Error().Int("row", ae.Row).Msg("import aborted")
		} else {
			log.Error().Err(err).Msg("import failed")
		}
		return 1
	}
	log.Debug().Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).Msg("completed")
	return 0
}

// runProbe infers the target table from the head of the configured source
// and prints the completed pipeline as JSON. Only the source and parser
// sections of the pipeline need to be valid.
func runProbe(ctx context.Context, p config.Pipeline, rows int, stdout, stderr io.Writer, log zerolog.Logger) int {
	report := func(prefix string) bool {
		var bad bool
		for _, iss := range config.ValidatePipeline(p) {
			if !strings.HasPrefix(iss.Path, prefix) {
				continue
			}
			fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			bad = bad || iss.Severity == config.SeverityError
		}
		return bad
	}
	if report("source") {
		return 1
	}
	opts := p.Parser.Options
	if p.Parser.Kind == "xml" && len(opts.StringMap("fields"))+len(opts.StringMap("lists")) == 0 {
		lay, err := discoverXML(ctx, p, log)
		if err != nil {
			log.Error().Err(err).Msg("xml discovery")
			return 1
		}
		log.Info().Str("record_tag", lay.RecordTag).Int("records", lay.Records).Msg("xml layout discovered")
		p.Parser.Options = lay.Options(opts)
	}
	if report("parser") {
		return 1
	}

	rc, err := dataiter.FromLoad(config.Load{}, log)
	if err != nil {
		log.Error().Err(err).Msg("probe")
		return 1
	}
	rc.SetOptions(p.Parser.Options)
	src, err := importer.OpenSource(ctx, p.Source, log)
	if err != nil {
		log.Error().Err(err).Msg("source open")
		return 1
	}
	c, err := parser.NewCursor(p.Parser, src, rc)
	if err != nil {
		log.Error().Err(err).Msg("parser")
		return 1
	}
	defer c.Close()

	name := p.Target.Name
	if name == "" && p.Source.File.Path != "" {
		base := filepath.Base(p.Source.File.Path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	res, err := probe.Infer(ctx, c, probe.Options{Table: firstNonEmpty(name, p.Job), Rows: rows})
	if err != nil {
		log.Error().Err(err).Msg("probe")
		return 1
	}
	log.Info().Int("rows", res.Sampled).Int("columns", len(res.Table.Columns)).Msg("probe finished")

	p.Target = res.Table
	if p.Job == "" {
		p.Job = res.Table.Name
	}
	out, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("encode pipeline")
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

// xmlSampleBytes bounds the head of the source read for XML discovery.
const xmlSampleBytes = 1 << 20

func discoverXML(ctx context.Context, p config.Pipeline, log zerolog.Logger) (probe.XMLLayout, error) {
	src, err := importer.OpenSource(ctx, p.Source, log)
	if err != nil {
		return probe.XMLLayout{}, err
	}
	defer src.Close()
	sample, err := io.ReadAll(io.LimitReader(src, xmlSampleBytes))
	if err != nil {
		return probe.XMLLayout{}, err
	}
	return probe.DiscoverXML(sample, p.Parser.Options.String("record_tag", ""))
}

// setupMetrics installs the selected metrics backend and returns the flush
// to defer, or nil when metrics are disabled. Selection order is flag, then
// environment, then the pipeline file.
func setupMetrics(p config.Pipeline, backend, gwURL, statsdAddr string, log zerolog.Logger) func() {
	backend = firstNonEmpty(backend, os.Getenv("METRICS_BACKEND"), p.Metrics.Backend)
	jobName := firstNonEmpty(p.Job, "rowpipe_job")

	var b metrics.Backend
	switch backend {
	case "pushgateway":
		url := firstNonEmpty(gwURL, os.Getenv("PUSHGATEWAY_URL"), p.Metrics.PushgatewayURL, "http://localhost:9091")
		pb, err := prompush.NewBackend(jobName, url)
		if err != nil {
			log.Warn().Err(err).Msg("metrics: failed to init prom push backend; using nop")
			return nil
		}
		log.Debug().Str("url", url).Str("job_name", jobName).Msg("metrics: pushgateway")
		b = pb
	case "datadog":
		addr := firstNonEmpty(statsdAddr, os.Getenv("STATSD_ADDR"), p.Metrics.StatsdAddr)
		db, err := datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "rowpipe.",
			GlobalTags: []string{"job:" + jobName},
		})
		if err != nil {
			log.Warn().Err(err).Msg("metrics: failed to init datadog backend; using nop")
			return nil
		}
		log.Debug().Str("addr", addr).Msg("metrics: datadog")
		b = db
	case "", "none":
		log.Debug().Str("backend", backend).Msg("metrics: disabled")
		return nil
	default:
		log.Warn().Str("backend", backend).Msg("metrics: unknown backend; metrics disabled")
		return nil
	}

	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn().Err(err).Msg("metrics: flush error")
		}
	}
}

func printReport(w io.Writer, rep importer.Report) {
	fmt.Fprintf(w, "mode=%s rows=%d last_row=%d error_rows=%d committed=%t duration=%s\n",
		rep.Mode, rep.Rows, rep.LastRow, rep.ErrorRows, rep.Committed, rep.Duration.Truncate(time.Millisecond))
	if rep.Errors == nil {
		return
	}
	for _, r := range rep.Errors.Rows() {
		label := fmt.Sprintf("row %d", r.Row)
		if r.Row == dataiter.SetupRow {
			label = "setup"
		}
		for _, msg := range r.Messages(true) {
			fmt.Fprintf(w, "  %s: %s\n", label, msg)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
