package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/backup"
	"git.tcp.direct/tcp.direct/bulkload/load"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
	"git.tcp.direct/tcp.direct/bulkload/orchestrator"
)

// asMainEnv makes the test binary behave as the bulkload command, so import can launch it
// as its worker.
const asMainEnv = "BULKLOAD_TEST_AS_MAIN"

func TestMain(m *testing.M) {
	if os.Getenv(asMainEnv) != "" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

const games = `[Event "Casual"]
[White "Alice"]
[Black "Bob"]

1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7# 1-0

[Event "Casual"]
[White "Bob"]
[Black "Carol"]

1. d4 d5 1/2-1/2
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"--log-level", "warn"}, args...))
	err := root.Execute()
	t.Logf("[+] bulkload %s\n%s", strings.Join(args, " "), out.String())
	return out.String(), err
}

func TestLifecycle(t *testing.T) {
	t.Setenv(asMainEnv, "1")
	db := filepath.Join(t.TempDir(), "games.db")
	input := filepath.Join(t.TempDir(), "in.pgn")
	if err := os.WriteFile(input, []byte(games), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "create", "--db", db, "--engine", "bitcask"); err != nil {
		t.Fatalf("[FAIL] create failed: %v", err)
	}
	if _, err := run(t, "create", "--db", db, "--engine", "bitcask"); err == nil {
		t.Error("[FAIL] creating over an existing database should fail")
	}

	metrics := filepath.Join(t.TempDir(), "bulkload.prom")
	out, err := run(t, "import", "--db", db, "--reindex", "--metrics-file", metrics, input)
	if err != nil {
		t.Fatalf("[FAIL] import failed: %v", err)
	}
	if !strings.Contains(out, orchestrator.TextComplete) {
		t.Errorf("[FAIL] expected %q in output", orchestrator.TextComplete)
	}
	prom, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("[FAIL] metrics file not written: %v", err)
	}
	for _, want := range []string{`bulkload_import_outcomes_total{outcome="succeeded"}`, "bulkload_worker_duration_seconds"} {
		if !strings.Contains(string(prom), want) {
			t.Errorf("[FAIL] metrics file missing %s", want)
		}
	}

	out, err = run(t, "status", "--db", db)
	if err != nil {
		t.Fatalf("[FAIL] status failed: %v", err)
	}
	for _, want := range []string{"bitcask", "records:  2", "games", "headers", "players", "normal"} {
		if !strings.Contains(out, want) {
			t.Errorf("[FAIL] status output missing %q", want)
		}
	}
	if strings.Contains(out, "stale") {
		t.Error("[FAIL] --reindex should have cleared the stale flag")
	}

	if out, err = run(t, "reindex", "--db", db); err != nil || !strings.Contains(out, "up to date") {
		t.Errorf("[FAIL] nothing should need rebuilding: %v", err)
	}
	if _, err = run(t, "archives", "--db", db, "--verify"); err != nil {
		t.Errorf("[FAIL] archives failed: %v", err)
	}

	converted := filepath.Join(t.TempDir(), "games.pogreb")
	if _, err = run(t, "convert", "--db", db, "--out", converted); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] a new destination needs --to, got %v", err)
	}
	if _, err = run(t, "convert", "--db", db, "--to", "pogreb", "--out", converted); err != nil {
		t.Fatalf("[FAIL] convert failed: %v", err)
	}
	out, err = run(t, "status", "--db", converted)
	if err != nil || !strings.Contains(out, "pogreb") || !strings.Contains(out, "records:  2") {
		t.Errorf("[FAIL] converted database looks wrong: %v", err)
	}

	if _, err = run(t, "delete", "--db", db); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] delete without --yes should be refused, got %v", err)
	}
	if _, err = run(t, "delete", "--db", db, "--yes"); err != nil {
		t.Fatalf("[FAIL] delete failed: %v", err)
	}
	if _, err = os.Stat(filepath.Join(db, metadata.FileName)); !os.IsNotExist(err) {
		t.Errorf("[FAIL] meta.json should be gone, got %v", err)
	}
}

func TestImportRejectsBadInput(t *testing.T) {
	db := filepath.Join(t.TempDir(), "games.db")
	if _, err := run(t, "create", "--db", db, "--engine", "pogreb", "--capacity", "4096"); err != nil {
		t.Fatalf("[FAIL] create failed: %v", err)
	}
	if _, err := run(t, "import", "--db", db, filepath.Join(t.TempDir(), "missing.pgn")); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] a missing input should be a configuration error, got %v", err)
	}
	if _, err := run(t, "import", "--db", db, "--multi-phase", "--chunk", "0", os.Args[0]); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] pogreb has no multi-phase worker, got %v", err)
	}
	out, err := run(t, "status", "--db", db)
	if err != nil {
		t.Fatalf("[FAIL] status failed: %v", err)
	}
	if !strings.Contains(out, "4096") || !strings.Contains(out, "unlimited") {
		t.Error("[FAIL] record files should be capped and derived files unlimited")
	}
}

func TestNoDatabase(t *testing.T) {
	if _, err := run(t, "status"); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] expected ErrConfiguration without --db, got %v", err)
	}
	if _, err := run(t, "--log-format", "xml", "status", "--db", t.TempDir()); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] expected ErrConfiguration for a bad log format, got %v", err)
	}
}

func TestCreateMaxDatafileSize(t *testing.T) {
	db := filepath.Join(t.TempDir(), "games.db")
	if _, err := run(t, "create", "--db", db, "--engine", "pogreb", "--max-datafile-size", "4096"); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] pogreb has no datafile size, got %v", err)
	}
	if _, err := run(t, "create", "--db", db, "--engine", "bitcask", "--max-datafile-size", "0"); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] a zero datafile size should be refused, got %v", err)
	}
	if _, err := run(t, "create", "--db", db, "--engine", "bitcask", "--max-datafile-size", "4096"); err != nil {
		t.Fatalf("[FAIL] create failed: %v", err)
	}
	// bitcask keeps the limit next to each store
	conf, err := os.ReadFile(filepath.Join(db, load.Games, "config.json"))
	if err != nil {
		t.Fatalf("[FAIL] store config missing: %v", err)
	}
	if !strings.Contains(string(conf), "4096") {
		t.Errorf("[FAIL] datafile size not recorded: %s", conf)
	}
}

// leaveArchive plays a controller that died mid-import: the games file is archived and meta
// records what the worker left, but no ingest lock is left behind.
func leaveArchive(t *testing.T, db string, status bulkload.FileStatus) string {
	t.Helper()
	games := filepath.Join(db, load.Games)
	if _, err := backup.NewManager().TakeBackup(games); err != nil {
		t.Fatal(err)
	}
	meta, err := metadata.OpenMetaFile(filepath.Join(db, metadata.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if err = meta.Record(load.Games, status); err != nil {
		t.Fatal(err)
	}
	return games
}

func TestResolveArchives(t *testing.T) {
	db := filepath.Join(t.TempDir(), "games.db")
	input := filepath.Join(t.TempDir(), "in.pgn")
	if err := os.WriteFile(input, []byte(games), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "create", "--db", db, "--engine", "bitcask"); err != nil {
		t.Fatalf("[FAIL] create failed: %v", err)
	}
	if out, err := run(t, "archives", "--db", db, "--restore"); err != nil || !strings.Contains(out, "no archives") {
		t.Errorf("[FAIL] nothing to resolve on a fresh database: %v", err)
	}

	games := leaveArchive(t, db, bulkload.StatusFull)
	if _, err := run(t, "import", "--db", db, input); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] a full file without a lock must still mark the database broken, got %v", err)
	}
	if _, err := run(t, "archives", "--db", db, "--discard"); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] a broken database's archives must not be discarded, got %v", err)
	}
	if !backup.NewManager().ListArchives(games).AllValid() {
		t.Fatal("[FAIL] the archive must survive refused commands")
	}
	if _, err := run(t, "archives", "--db", db, "--restore", "--discard"); !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] --restore and --discard are exclusive, got %v", err)
	}
	if _, err := run(t, "archives", "--db", db, "--restore"); err != nil {
		t.Fatalf("[FAIL] restore failed: %v", err)
	}
	out, err := run(t, "status", "--db", db)
	if err != nil {
		t.Fatalf("[FAIL] status failed: %v", err)
	}
	if strings.Contains(out, "full") || strings.Contains(out, "valid (") {
		t.Error("[FAIL] the restore should leave normal files and no archives")
	}

	leaveArchive(t, db, bulkload.StatusNormal)
	if _, err = run(t, "import", "--db", db, input); !errors.Is(err, bulkload.ErrBusy) {
		t.Errorf("[FAIL] leftover archives must block the import, got %v", err)
	}
	if _, err = run(t, "archives", "--db", db, "--discard"); err != nil {
		t.Fatalf("[FAIL] discard failed: %v", err)
	}
	if a := backup.NewManager().ListArchives(games)[games]; a.HasArchive || a.HasGuard {
		t.Errorf("[FAIL] discard left %+v", a)
	}
}
