package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"custodyledger/internal/config"
)

type harness struct {
	t   *testing.T
	env map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{t: t, env: map[string]string{
		config.EnvStorageDriver: "sqlite",
		config.EnvSQLitePath:    filepath.Join(dir, "ledger.db"),
		config.EnvArchiveDriver: "fs",
		config.EnvArchiveFSRoot: filepath.Join(dir, "archive"),
		config.EnvAdmin:         "root",
		config.EnvPrincipal:     "alice",
		config.EnvLogLevel:      "error",
	}}
}

func (h *harness) getenv(key string) string { return h.env[key] }

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, h.getenv, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	code, out, errOut := h.run(args...)
	if code != exitOK {
		h.t.Fatalf("%v: exit %d, stderr:\n%s", args, code, errOut)
	}
	return out
}

func decodeOutput[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestLedgerLifecycle(t *testing.T) {
	h := newHarness(t)

	unit := decodeOutput[map[string]any](t, h.mustRun("init", "bottle-1"))
	if unit["id"] != "bottle-1" || unit["owner"] != "alice" {
		t.Fatalf("unexpected init output %v", unit)
	}

	rec := decodeOutput[map[string]uint64](t, h.mustRun("record", "-type", "bottled", "-location", "Vineyard", "bottle-1"))
	if rec["event_id"] != 1 {
		t.Fatalf("expected event 1, got %v", rec)
	}
	h.mustRun("record", "-type", "shipped", "-to", "bob", "-location", "Dock", "bottle-1")

	owner := decodeOutput[map[string]string](t, h.mustRun("owner", "bottle-1"))
	if owner["owner"] != "bob" {
		t.Fatalf("expected bob to own bottle-1, got %v", owner)
	}

	// State survives across invocations through the sqlite file.
	count := decodeOutput[map[string]any](t, h.mustRun("count", "bottle-1"))
	if count["event_count"] != float64(2) {
		t.Fatalf("expected 2 events, got %v", count)
	}

	got := decodeOutput[map[string]any](t, h.mustRun("get", "bottle-1", "2"))
	if got["event_type"] != "shipped" || got["to_principal"] != "bob" || got["from_principal"] != "alice" {
		t.Fatalf("unexpected record %v", got)
	}

	history := decodeOutput[[]map[string]any](t, h.mustRun("history", "bottle-1"))
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if empty := strings.TrimSpace(h.mustRun("history", "bottle-9")); empty != "[]" {
		t.Fatalf("expected empty history, got %q", empty)
	}

	// alice no longer owns the bottle.
	code, _, errOut := h.run("record", "-type", "received", "bottle-1")
	if code != exitError || !strings.Contains(errOut, "unauthorized") {
		t.Fatalf("expected unauthorized failure, got %d %q", code, errOut)
	}
	h.mustRun("record", "-as", "bob", "-type", "received", "-location", "Warehouse", "bottle-1")
}

func TestRecordReportsRecipientWarning(t *testing.T) {
	h := newHarness(t)
	h.mustRun("init", "bottle-1")
	code, _, errOut := h.run("record", "-type", "sold", "bottle-1")
	if code != exitOK {
		t.Fatalf("expected success, got %d %q", code, errOut)
	}
	if !strings.Contains(errOut, "warning: ") {
		t.Fatalf("expected recipient warning, got %q", errOut)
	}
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)

	admin := decodeOutput[map[string]string](t, h.mustRun("admin"))
	if admin["admin"] != "root" {
		t.Fatalf("expected bootstrapped root admin, got %v", admin)
	}

	code, _, _ := h.run("transfer-admin", "mallory")
	if code != exitError {
		t.Fatalf("expected non-admin transfer to fail, got %d", code)
	}
	h.mustRun("transfer-admin", "-as", "root", "carol")

	// Bootstrap must not reinstall root once carol holds the role.
	admin = decodeOutput[map[string]string](t, h.mustRun("admin"))
	if admin["admin"] != "carol" {
		t.Fatalf("expected carol, got %v", admin)
	}
	trail := decodeOutput[[]map[string]any](t, h.mustRun("admin", "-history"))
	if len(trail) != 2 || trail[1]["from_principal"] != "root" || trail[1]["to_principal"] != "carol" {
		t.Fatalf("unexpected admin trail %v", trail)
	}

	// The admin may act on units it does not own.
	h.mustRun("init", "bottle-1")
	h.mustRun("record", "-as", "carol", "-type", "shipped", "-to", "bob", "bottle-1")
}

func TestAdminWithoutBootstrap(t *testing.T) {
	h := newHarness(t)
	delete(h.env, config.EnvAdmin)
	code, _, errOut := h.run("admin")
	if code != exitError || !strings.Contains(errOut, "no admin") {
		t.Fatalf("expected missing admin error, got %d %q", code, errOut)
	}
	if out := strings.TrimSpace(h.mustRun("admin", "-history")); out != "[]" {
		t.Fatalf("expected empty trail, got %q", out)
	}
}

func TestExportAndVerify(t *testing.T) {
	h := newHarness(t)
	h.mustRun("init", "bottle-1")
	h.mustRun("record", "-type", "bottled", "bottle-1")

	exported := decodeOutput[map[string]any](t, h.mustRun("export", "bottle-1"))
	key, _ := exported["key"].(string)
	if key != "provenance/bottle-1/1.json" {
		t.Fatalf("unexpected key %v", exported)
	}
	if !strings.HasPrefix(exported["url"].(string), "file://") {
		t.Fatalf("expected file url, got %v", exported["url"])
	}

	verified := decodeOutput[map[string]any](t, h.mustRun("verify", key))
	if verified["verified"] != true || verified["chain_digest"] != exported["chain_digest"] {
		t.Fatalf("unexpected verify output %v", verified)
	}

	code, _, errOut := h.run("export", "bottle-1")
	if code != exitError || !strings.Contains(errOut, "already exists") {
		t.Fatalf("expected second export to conflict, got %d %q", code, errOut)
	}
	if code, _, _ := h.run("verify", "provenance/bottle-1/7.json"); code != exitError {
		t.Fatalf("expected missing certificate to fail, got %d", code)
	}
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)
	cases := [][]string{
		nil,
		{"help"},
		{"launch"},
		{"init"},
		{"init", "a", "b"},
		{"record", "bottle-1"},
		{"record", "-type", "stolen", "bottle-1"},
		{"get", "bottle-1", "first"},
		{"admin", "-bogus"},
		{"serve", "extra"},
	}
	for _, args := range cases {
		code, _, errOut := h.run(args...)
		if code != exitUsage {
			t.Fatalf("%v: expected usage exit, got %d", args, code)
		}
		if !strings.Contains(errOut, "usage: ledgerctl") {
			t.Fatalf("%v: expected usage text, got %q", args, errOut)
		}
	}
}

func TestReadFailures(t *testing.T) {
	h := newHarness(t)
	if code, _, _ := h.run("owner", "bottle-9"); code != exitError {
		t.Fatalf("expected owner lookup failure, got %d", code)
	}
	if code, _, _ := h.run("get", "bottle-9", "1"); code != exitError {
		t.Fatalf("expected missing record failure, got %d", code)
	}
	count := decodeOutput[map[string]any](t, h.mustRun("count", "bottle-9"))
	if count["event_count"] != float64(0) {
		t.Fatalf("expected zero count, got %v", count)
	}
}

func TestConfigAndOpenErrors(t *testing.T) {
	h := newHarness(t)
	h.env[config.EnvStorageDriver] = "tape"
	code, _, errOut := h.run("count", "bottle-1")
	if code != exitError || !strings.Contains(errOut, "config:") {
		t.Fatalf("expected config error, got %d %q", code, errOut)
	}

	h = newHarness(t)
	h.env[config.EnvSQLitePath] = t.TempDir()
	if code, _, errOut := h.run("count", "bottle-1"); code != exitError || !strings.Contains(errOut, "open ledger") {
		t.Fatalf("expected open error, got %d %q", code, errOut)
	}
}

func TestServeStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	if code := run(ctx, []string{"serve", "-addr", "127.0.0.1:0"}, h.getenv, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected clean shutdown, got %d %q", code, stderr.String())
	}
	delete(h.env, config.EnvAdmin)
	admin := decodeOutput[map[string]string](t, h.mustRun("admin"))
	if admin["admin"] != "root" {
		t.Fatalf("expected admin bootstrapped during startup, got %v", admin)
	}
}
