package integration

import (
	"context"
	"path/filepath"
	"testing"

	"custodyledger/internal/blob"
	"custodyledger/internal/core"
	"custodyledger/pkg/domain"
)

// TestIntegrationSmoke runs one custody chain end to end for each in-process
// storage backend and archive driver.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()

	storeVariants := []struct {
		name string
		cfg  func(t *testing.T) core.StorageConfig
	}{
		{
			name: "memory-store",
			cfg:  func(*testing.T) core.StorageConfig { return core.StorageConfig{Driver: core.StorageMemory} },
		},
		{
			name: "sqlite-store",
			cfg: func(t *testing.T) core.StorageConfig {
				return core.StorageConfig{Driver: core.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}
			},
		},
	}
	archiveVariants := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{
			name: "memory-archive",
			open: func(*testing.T) blob.Store { return blob.NewMemory() },
		},
		{
			name: "filesystem-archive",
			open: func(t *testing.T) blob.Store {
				fs, err := blob.NewFilesystem(t.TempDir())
				if err != nil {
					t.Fatalf("new filesystem archive: %v", err)
				}
				return fs
			},
		},
	}

	for _, sv := range storeVariants {
		for _, av := range archiveVariants {
			t.Run(sv.name+"/"+av.name, func(t *testing.T) {
				store, err := core.OpenPersistentStore(sv.cfg(t), core.NewDefaultRulesEngine())
				if err != nil {
					t.Fatalf("open store: %v", err)
				}
				t.Cleanup(func() { _ = store.Close() })
				metrics := core.NewExpvarMetricsRecorder("")
				svc := core.NewService(store, core.WithMetricsRecorder(metrics))
				archive := av.open(t)

				if _, err := svc.InitializeBottle(ctx, "bottle-1", "winery"); err != nil {
					t.Fatalf("initialize: %v", err)
				}
				chain := []struct {
					caller core.Principal
					event  core.CustodyEvent
				}{
					{"winery", core.CustodyEvent{Type: domain.EventBottled, Location: "Cellar"}},
					{"winery", core.CustodyEvent{Type: domain.EventShipped, To: core.Some("importer"), Location: "Port"}},
					{"importer", core.CustodyEvent{Type: domain.EventReceived, Location: "Warehouse"}},
					{"importer", core.CustodyEvent{Type: domain.EventSold, To: core.Some("collector")}},
				}
				for i, step := range chain {
					id, res, err := svc.RecordCustodyEvent(ctx, "bottle-1", step.caller, step.event)
					if err != nil {
						t.Fatalf("step %d: %v", i, err)
					}
					if id != uint64(i+1) || res.HasBlocking() {
						t.Fatalf("step %d: unexpected id %d result %+v", i, id, res)
					}
				}
				if owner, ok := svc.GetBottleOwner(ctx, "bottle-1"); !ok || owner != "collector" {
					t.Fatalf("expected collector to own bottle-1, got %q", owner)
				}

				cert, info, err := svc.ExportProvenance(ctx, "bottle-1", archive)
				if err != nil {
					t.Fatalf("export: %v", err)
				}
				if cert.EventCount != 4 || info.Key != core.CertificateKey("bottle-1", 4) {
					t.Fatalf("unexpected certificate %+v info %+v", cert, info)
				}
				read, err := core.ReadCertificate(ctx, archive, info.Key)
				if err != nil {
					t.Fatalf("read certificate: %v", err)
				}
				if read.ChainDigest != cert.ChainDigest {
					t.Fatalf("digest mismatch: %s vs %s", read.ChainDigest, cert.ChainDigest)
				}

				snapshot := metrics.Snapshot()
				if snapshot.Results[core.OpRecordCustodyEvent]["success"] != 4 {
					t.Fatalf("expected 4 recorded events in metrics: %+v", snapshot.Results)
				}
				if snapshot.Results[core.OpExportProvenance]["success"] != 1 {
					t.Fatalf("expected export metric: %+v", snapshot.Results)
				}
			})
		}
	}
}

// TestSQLiteLedgerSurvivesRestart reopens the same database and continues
// the chain where it stopped.
func TestSQLiteLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := core.StorageConfig{Driver: core.StorageSQLite, SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}

	first, err := core.OpenPersistentStore(cfg, core.NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := core.NewService(first, core.WithHeightSource(core.NewManualHeight(500)))
	if _, err := svc.BootstrapAdmin(ctx, "root"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := svc.InitializeBottle(ctx, "bottle-1", "winery"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, _, err := svc.RecordCustodyEvent(ctx, "bottle-1", "winery", core.CustodyEvent{Type: domain.EventShipped, To: core.Some("importer")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := core.OpenPersistentStore(cfg, core.NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	svc = core.NewService(second)

	if admin, ok := svc.Admin(ctx); !ok || admin != "root" {
		t.Fatalf("admin lost across restart: %q", admin)
	}
	if installed, err := svc.BootstrapAdmin(ctx, "someone-else"); err != nil || installed {
		t.Fatalf("bootstrap must not replace a persisted admin: %v %v", installed, err)
	}
	id, _, err := svc.RecordCustodyEvent(ctx, "bottle-1", "importer", core.CustodyEvent{Type: domain.EventReceived})
	if err != nil {
		t.Fatalf("record after restart: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected event 2 after restart, got %d", id)
	}
	history := svc.History(ctx, "bottle-1")
	if len(history) != 2 || history[1].Timestamp <= history[0].Timestamp {
		t.Fatalf("timestamps must keep increasing across restarts: %+v", history)
	}
	// Root may still act on any unit.
	if _, _, err := svc.RecordCustodyEvent(ctx, "bottle-1", "root", core.CustodyEvent{Type: domain.EventSold, To: core.Some("collector")}); err != nil {
		t.Fatalf("admin record: %v", err)
	}
}
