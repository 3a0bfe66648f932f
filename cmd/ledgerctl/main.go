// Command ledgerctl operates a custody ledger: it initializes bottles, records
// custody events, answers provenance queries, exports certificates and serves
// the HTTP API. Configuration comes from CUSTODYLEDGER_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"custodyledger/internal/blob"
	"custodyledger/internal/config"
	"custodyledger/internal/core"
	"custodyledger/internal/httpapi"
	"custodyledger/pkg/domain"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `usage: ledgerctl <command> [flags] [args]

commands:
  init [-as principal] <unit>
  record [-as principal] -type <event> [-to principal] [-location s] [-notes s] <unit>
  owner <unit>
  get <unit> <event-id>
  count <unit>
  history <unit>
  transfer-admin [-as principal] <new-admin>
  admin [-history]
  export <unit>
  verify <archive-key>
  serve [-addr host:port]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    core.PersistentStore
	svc      *core.Service
	registry *prometheus.Registry
	stdout   io.Writer
	stderr   io.Writer
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	cfg, err := config.FromEnv(getenv)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitError
	}
	cmd, rest := args[0], args[1:]
	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}

	a := &app{cfg: cfg, logger: cfg.NewLogger(stderr), stdout: stdout, stderr: stderr}
	var metrics []core.MetricsRecorder
	if cmd == "serve" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			fmt.Fprintf(stderr, "metrics: %v\n", err)
			return exitError
		}
		metrics = append(metrics, prom, core.NewExpvarMetricsRecorder(""))
		a.registry = reg
	}
	if err := a.open(ctx, metrics); err != nil {
		fmt.Fprintf(stderr, "open ledger: %v\n", err)
		return exitError
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}()

	if err := handler(ctx, a, rest); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "%s: %v\n\n%s", cmd, err, usage)
			return exitUsage
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return exitError
	}
	return exitOK
}

func (a *app) open(ctx context.Context, metrics []core.MetricsRecorder) error {
	store, err := core.OpenPersistentStore(a.cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return err
	}
	a.store = store
	opts := []core.ServiceOption{
		core.WithLogger(a.logger),
		core.WithAuditRecorder(core.NewLogAuditRecorder(a.logger)),
		core.WithTracer(core.NewOTelTracer(nil)),
		core.WithUninitializedPolicy(a.cfg.Policy),
	}
	if len(metrics) > 0 {
		opts = append(opts, core.WithMetricsRecorder(core.MetricsRecorders(metrics)))
	}
	a.svc = core.NewService(store, opts...)
	if !a.cfg.Admin.IsZero() {
		// Startup finishes even if a shutdown signal already arrived.
		installed, err := a.svc.BootstrapAdmin(context.WithoutCancel(ctx), a.cfg.Admin)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if installed {
			a.logger.Info("admin bootstrapped", "admin", a.cfg.Admin.String())
		}
	}
	return nil
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"init":           cmdInit,
	"record":         cmdRecord,
	"owner":          cmdOwner,
	"get":            cmdGet,
	"count":          cmdCount,
	"history":        cmdHistory,
	"transfer-admin": cmdTransferAdmin,
	"admin":          cmdAdmin,
	"export":         cmdExport,
	"verify":         cmdVerify,
	"serve":          cmdServe,
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, usageError{msg: err.Error()}
	}
	if fs.NArg() != positional {
		return nil, usagef("expected %d argument(s), got %d", positional, fs.NArg())
	}
	return fs.Args(), nil
}

func (a *app) principalFlag(fs *flag.FlagSet) *string {
	return fs.String("as", a.cfg.Principal.String(), "calling principal (default $"+config.EnvPrincipal+")")
}

func cmdInit(ctx context.Context, a *app, args []string) error {
	fs := a.flags("init")
	as := a.principalFlag(fs)
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	unit, err := a.svc.InitializeBottle(ctx, pos[0], core.Principal(*as))
	if err != nil {
		return err
	}
	return a.print(unit)
}

func cmdRecord(ctx context.Context, a *app, args []string) error {
	fs := a.flags("record")
	as := a.principalFlag(fs)
	eventName := fs.String("type", "", "event type: bottled, shipped, received, sold (or 1-4)")
	to := fs.String("to", "", "recipient principal")
	location := fs.String("location", "", "event location")
	notes := fs.String("notes", "", "free-form notes")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	eventType, err := domain.ParseEventType(*eventName)
	if err != nil {
		return usagef("%v", err)
	}
	id, res, err := a.svc.RecordCustodyEvent(ctx, pos[0], core.Principal(*as), core.CustodyEvent{
		Type:     eventType,
		To:       core.Some(core.Principal(*to)),
		Location: *location,
		Notes:    *notes,
	})
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		fmt.Fprintf(a.stderr, "warning: %s: %s\n", v.Rule, v.Message)
	}
	return a.print(map[string]uint64{"event_id": id})
}

func cmdOwner(ctx context.Context, a *app, args []string) error {
	pos, err := parse(a.flags("owner"), args, 1)
	if err != nil {
		return err
	}
	owner, ok := a.svc.GetBottleOwner(ctx, pos[0])
	if !ok {
		return fmt.Errorf("unit %s has no owner", pos[0])
	}
	return a.print(map[string]string{"unit_id": pos[0], "owner": owner.String()})
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	pos, err := parse(a.flags("get"), args, 2)
	if err != nil {
		return err
	}
	eventID, err := strconv.ParseUint(pos[1], 10, 64)
	if err != nil {
		return usagef("invalid event id %q", pos[1])
	}
	rec, ok := a.svc.GetProvenanceRecord(ctx, pos[0], eventID)
	if !ok {
		return fmt.Errorf("record %s/%d not found", pos[0], eventID)
	}
	return a.print(rec)
}

func cmdCount(ctx context.Context, a *app, args []string) error {
	pos, err := parse(a.flags("count"), args, 1)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"unit_id": pos[0], "event_count": a.svc.GetBottleEventCount(ctx, pos[0])})
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	pos, err := parse(a.flags("history"), args, 1)
	if err != nil {
		return err
	}
	records := a.svc.History(ctx, pos[0])
	if records == nil {
		records = []core.ProvenanceRecord{}
	}
	return a.print(records)
}

func cmdTransferAdmin(ctx context.Context, a *app, args []string) error {
	fs := a.flags("transfer-admin")
	as := a.principalFlag(fs)
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	if err := a.svc.TransferAdmin(ctx, core.Principal(pos[0]), core.Principal(*as)); err != nil {
		return err
	}
	return a.print(map[string]string{"admin": pos[0]})
}

func cmdAdmin(ctx context.Context, a *app, args []string) error {
	fs := a.flags("admin")
	history := fs.Bool("history", false, "print the admin change trail")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	if *history {
		changes := a.svc.AdminHistory(ctx)
		if changes == nil {
			changes = []core.AdminChange{}
		}
		return a.print(changes)
	}
	admin, ok := a.svc.Admin(ctx)
	if !ok {
		return errors.New("no admin configured")
	}
	return a.print(map[string]string{"admin": admin.String()})
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	pos, err := parse(a.flags("export"), args, 1)
	if err != nil {
		return err
	}
	archive, err := blob.Open(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	cert, info, err := a.svc.ExportProvenance(ctx, pos[0], archive)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"key": info.Key, "url": info.URL, "chain_digest": cert.ChainDigest, "event_count": cert.EventCount})
}

func cmdVerify(ctx context.Context, a *app, args []string) error {
	pos, err := parse(a.flags("verify"), args, 1)
	if err != nil {
		return err
	}
	archive, err := blob.Open(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	cert, err := core.ReadCertificate(ctx, archive, pos[0])
	if err != nil {
		return err
	}
	return a.print(map[string]any{"unit_id": cert.UnitID, "event_count": cert.EventCount, "chain_digest": cert.ChainDigest, "verified": true})
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := a.flags("serve")
	addr := fs.String("addr", a.cfg.HTTPAddr, "listen address")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	archive, err := blob.Open(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	return httpapi.New(a.svc, archive, a.logger, *addr, httpapi.WithGatherer(a.registry)).Start(ctx)
}
