// Command planstate runs the plan state engine: an HTTP server plus one-shot
// subcommands for ingesting events, materializing runs and querying state.
//
// Storage, blob and tracing settings come from PLANSTATE_* environment
// variables; engine policy comes from the YAML file named by -policy or
// PLANSTATE_POLICY_FILE.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"planstate/internal/adapters/httpapi"
	"planstate/internal/adapters/runs"
	"planstate/internal/blob"
	"planstate/internal/config"
	"planstate/internal/core"
	"planstate/internal/platform/otel"
	"planstate/pkg/domain"
)

var exitFunc = os.Exit

const (
	exitOK      = 0
	exitErr     = 1
	exitBlocked = 2
	exitUsage   = 64
)

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: planstate <serve|ingest|run|validate|state|history|reconcile|prune> [flags]")
}

func cli(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(rest, stdout, stderr)
	case "ingest":
		return cmdIngest(rest, stdout, stderr)
	case "run":
		return cmdRun(rest, stdout, stderr)
	case "validate":
		return cmdValidate(rest, stdout, stderr)
	case "state":
		return cmdState(rest, stdout, stderr)
	case "history":
		return cmdHistory(rest, stdout, stderr)
	case "reconcile":
		return cmdReconcile(rest, stdout, stderr)
	case "prune":
		return cmdPrune(rest, stdout, stderr)
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return exitUsage
	}
}

// common holds flags shared by every subcommand.
type common struct {
	policy string
	trace  bool
	debug  bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.policy, "policy", "", "engine policy YAML (defaults to PLANSTATE_POLICY_FILE)")
	fs.BoolVar(&c.trace, "trace", false, "write operation spans as JSON lines to stderr")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

// env is the assembled runtime for one invocation.
type env struct {
	rt       config.Runtime
	svc      *core.Service
	archive  *blob.ReportArchive
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func (e *env) close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i](ctx)
	}
}

func setup(ctx context.Context, c common, stderr io.Writer) (*env, error) {
	rt, err := config.LoadRuntime()
	if err != nil {
		return nil, err
	}
	policyPath := c.policy
	if policyPath == "" {
		policyPath = rt.PolicyFile
	}
	cfg, err := config.LoadPolicy(policyPath)
	if err != nil {
		return nil, err
	}
	e := &env{rt: rt, registry: prometheus.NewRegistry()}

	logger := core.NewLogger(stderr, rt.ServiceName, c.debug || strings.EqualFold(rt.LogLevel, "debug"))
	opts := []core.ServiceOption{core.WithLogger(logger), core.WithRegistry(e.registry)}

	shutdown, err := otel.Setup(ctx, rt.ServiceName, rt.OTELEndpoint)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	e.closers = append(e.closers, shutdown)
	switch {
	case c.trace:
		opts = append(opts, core.WithTracer(core.NewJSONTracer(stderr)))
	case rt.OTELEndpoint != "":
		opts = append(opts, core.WithTracer(core.NewOTelTracer(otel.Tracer("planstate"))))
	}

	store, err := core.OpenPersistentStore(ctx, rt.Storage())
	if err != nil {
		e.close(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cl, ok := store.(interface{ Close() error }); ok {
		e.closers = append(e.closers, func(context.Context) error { return cl.Close() })
	}
	blobs, err := blob.Open(ctx, rt.Blob())
	if err != nil {
		e.close(ctx)
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	e.archive = blob.NewReportArchive(blobs)
	opts = append(opts, core.WithReportArchive(e.archive))

	e.svc, err = core.NewService(store, cfg, opts...)
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	return e, nil
}

func cmdServe(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	addr := fs.String("addr", "", "listen address (defaults to PLANSTATE_HTTP_ADDR)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, c, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "setup: %v\n", err)
		return exitErr
	}
	defer e.close(context.WithoutCancel(ctx))
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	worker := runs.NewWorker(e.svc, e.rt.RunQueueSize)
	worker.Start()
	api := httpapi.NewHandler(e.svc, core.NewStateLoader(e.svc.Query(), 2*time.Millisecond))
	api.Runs = worker
	api.Reports = e.archive

	listen := *addr
	if listen == "" {
		listen = e.rt.HTTPAddr
	}
	server := &http.Server{
		Addr:              listen,
		Handler:           httpapi.NewMux(api, e.registry, e.rt.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "listening on %s\n", listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return exitErr
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = worker.Stop(shutdownCtx)
	return exitOK
}

func cmdIngest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	file := fs.String("file", "-", "JSON file holding an event array or {\"events\": [...]}; - reads stdin")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	events, err := readEvents(*file)
	if err != nil {
		fmt.Fprintf(stderr, "read events: %v\n", err)
		return exitErr
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		return e.svc.Ingest(ctx, events)
	})
}

func readEvents(path string) ([]domain.Event, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var events []domain.Event
		return events, json.Unmarshal(raw, &events)
	}
	var wrapped struct {
		Events []domain.Event `json:"events"`
	}
	return wrapped.Events, json.Unmarshal(raw, &wrapped)
}

func cmdRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	scenario := fs.String("scenario", "", "scenario id")
	plan := fs.String("plan", "", "plan id")
	year := fs.Int("year", 0, "calendar year to materialize")
	from := fs.String("from", "", "window start (inclusive), overrides -year")
	to := fs.String("to", "", "window end (exclusive)")
	asOf := fs.String("as-of", "", "knowledge date (defaults to today)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	req := core.RunRequest{ScenarioID: *scenario, PlanID: *plan}
	var err error
	switch {
	case *from != "":
		req.Window, err = parseWindow(*from, *to)
	case *year > 0:
		req.Window = core.YearWindow(*year)
	default:
		err = errors.New("-year or -from/-to required")
	}
	if err == nil && *asOf != "" {
		req.AsOf, err = domain.ParseDate(*asOf)
	}
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return exitUsage
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		return e.svc.Run(ctx, req)
	})
}

func parseWindow(from, to string) (core.Window, error) {
	start, err := domain.ParseDate(from)
	if err != nil {
		return core.Window{}, err
	}
	end, err := domain.ParseDate(to)
	if err != nil {
		return core.Window{}, err
	}
	return core.Window{Start: start, End: end}, nil
}

func cmdValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	runID := fs.String("run", "", "run id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		report, err := e.svc.Validate(ctx, *runID)
		if err != nil {
			return nil, err
		}
		return report, report.Err()
	})
}

func keyFlags(fs *flag.FlagSet) *domain.Key {
	k := &domain.Key{}
	fs.StringVar(&k.ScenarioID, "scenario", "", "scenario id")
	fs.StringVar(&k.PlanID, "plan", "", "plan id")
	fs.StringVar(&k.EntityID, "entity", "", "entity id")
	return k
}

func cmdState(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	key := keyFlags(fs)
	asOf := fs.String("as-of", "", "as-of date")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	date, err := domain.ParseDate(*asOf)
	if err != nil {
		fmt.Fprintf(stderr, "state: %v\n", err)
		return exitUsage
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		return e.svc.GetState(ctx, *key, date)
	})
}

func cmdHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	key := keyFlags(fs)
	from := fs.String("from", "", "first date")
	to := fs.String("to", "", "last date")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	w, err := parseWindow(*from, *to)
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return exitUsage
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		return e.svc.GetHistory(ctx, *key, w.Start, w.End)
	})
}

func cmdReconcile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	scenario := fs.String("scenario", "", "scenario id")
	plan := fs.String("plan", "", "plan id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		res, err := e.svc.Reconcile(ctx, *scenario, *plan)
		return res, err
	})
}

func cmdPrune(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	return withEnv(c, stdout, stderr, func(ctx context.Context, e *env) (any, error) {
		n, err := e.svc.PruneSnapshots(ctx)
		return map[string]int{"pruned": n}, err
	})
}

// withEnv assembles the runtime, runs fn and prints its result as JSON. A
// validation failure still prints the result and exits with exitBlocked.
func withEnv(c common, stdout, stderr io.Writer, fn func(context.Context, *env) (any, error)) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e, err := setup(ctx, c, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "setup: %v\n", err)
		return exitErr
	}
	defer e.close(context.WithoutCancel(ctx))

	out, err := fn(ctx, e)
	if out != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			fmt.Fprintf(stderr, "encode: %v\n", encErr)
			return exitErr
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if domain.CodeOf(err) == domain.CodeValidationFailure {
			return exitBlocked
		}
		return exitErr
	}
	return exitOK
}
