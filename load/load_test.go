package load

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
	"git.tcp.direct/tcp.direct/bulkload/test"
)

const twoGames = `[Event "Casual"]
[White "Alice"]
[Black "Bob"]
[Result "1-0"]

1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7# 1-0

[Event "Casual"]
[White "Bob"]
[Black "Carol"]
[Result "1/2-1/2"]

1. d4 d5 1/2-1/2
`

const oneGame = `[Event "Rated"]
[White "Carol"]
[Black "Alice"]
[Result "0-1"]

1. f3 e5 2. g4 Qh4# 0-1
`

func init() {
	test.Register()
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("[FAIL] failed to write input: %v", err)
	}
	return path
}

func newEngine(t *testing.T) *test.MockEngine {
	t.Helper()
	eng, err := test.NewMockEngine(t.TempDir())
	if err != nil {
		t.Fatalf("[FAIL] failed to open mock engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func newSchema(t *testing.T, gamesCap int64) *test.MockEngine {
	t.Helper()
	eng := newEngine(t)
	if err := eng.Init(Games, metadata.FileMeta{Capacity: gamesCap}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Init(Headers); err != nil {
		t.Fatal(err)
	}
	if err := eng.Init(Players, metadata.FileMeta{Derived: true}); err != nil {
		t.Fatal(err)
	}
	return eng
}

func statuses(t *testing.T, eng bulkload.Engine) map[string]bulkload.FileStatus {
	t.Helper()
	st, err := eng.FileStatus()
	if err != nil {
		t.Fatalf("[FAIL] FileStatus: %v", err)
	}
	return st
}

func TestScanner(t *testing.T) {
	type test struct {
		name      string
		in        string
		wantGames int
		wantErr   bool
	}
	tests := []test{
		{name: "empty", in: ""},
		{name: "blankLines", in: "\n\n\n"},
		{name: "two", in: twoGames, wantGames: 2},
		{name: "noTrailingNewline", in: strings.TrimSpace(twoGames), wantGames: 2},
		{name: "noBlankBetweenGames", in: "[White \"a\"]\n1. e4 1-0\n[White \"b\"]\n1. d4 0-1\n", wantGames: 2},
		{name: "movetextOnly", in: "1. e4 e5 *\n", wantGames: 1},
		{name: "escapedLine", in: "% exported by hand\n" + oneGame, wantGames: 1},
		{name: "malformedTag", in: "[White Alice]\n\n1. e4 *\n", wantErr: true},
		{name: "unterminatedTag", in: "[White \"Alice\"\n\n1. e4 *\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := NewScanner(strings.NewReader(tt.in))
			var (
				n   int
				err error
			)
			for {
				var g *Game
				if g, err = sc.Next(); err != nil {
					break
				}
				n++
				t.Logf("[+] %s", spew.Sdump(g))
			}
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedTag) {
					t.Fatalf("[FAIL] expected ErrMalformedTag, got %v", err)
				}
				return
			}
			if !errors.Is(err, io.EOF) {
				t.Fatalf("[FAIL] unexpected error: %v", err)
			}
			if n != tt.wantGames {
				t.Errorf("[FAIL] wanted %d games, got %d", tt.wantGames, n)
			}
		})
	}
}

func TestScannerContent(t *testing.T) {
	sc := NewScanner(strings.NewReader(twoGames))
	g, err := sc.Next()
	if err != nil {
		t.Fatal(err)
	}
	if g.Tags["White"] != "Alice" || g.Tags["Black"] != "Bob" {
		t.Errorf("[FAIL] bad tags: %v", g.Tags)
	}
	if g.Moves != "1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7# 1-0" {
		t.Errorf("[FAIL] bad movetext: %q", g.Moves)
	}
	key, val, err := parseTag(`[Annotator "the \"engine\""]`)
	if err != nil || key != "Annotator" || val != `the "engine"` {
		t.Errorf("[FAIL] parseTag: %q %q %v", key, val, err)
	}
}

func TestInitSchema(t *testing.T) {
	eng := newEngine(t)
	if err := InitSchema(eng, 4096); err != nil {
		t.Fatalf("[FAIL] InitSchema: %v", err)
	}
	if err := InitSchema(eng, 4096); err != nil {
		t.Fatalf("[FAIL] InitSchema should leave existing files alone: %v", err)
	}
	files := eng.ManagedFiles()
	if len(files) != 3 {
		t.Fatalf("[FAIL] expected 3 files, got %s", spew.Sdump(files))
	}
	for _, f := range files {
		switch f.Name {
		case Games, Headers:
			if f.Capacity != 4096 || f.Derived {
				t.Errorf("[FAIL] bad record file: %+v", f)
			}
		case Players:
			if !f.Derived || f.Capacity != 0 {
				t.Errorf("[FAIL] bad derived file: %+v", f)
			}
		}
	}
}

func TestRunSinglePass(t *testing.T) {
	eng := newSchema(t, 0)
	in1 := writeInput(t, "a.pgn", twoGames)
	in2 := writeInput(t, "b.pgn", oneGame)

	res, err := Run(context.Background(), eng, Request{Inputs: []string{in1, in2}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("[FAIL] Run: %v", err)
	}
	if res.Games != 3 || res.FirstID != 0 || res.NextID != 3 {
		t.Errorf("[FAIL] bad result: %+v", res)
	}
	if eng.NextRecord() != 3 {
		t.Errorf("[FAIL] record counter not committed: %d", eng.NextRecord())
	}
	for name, st := range statuses(t, eng) {
		if st != bulkload.StatusNormal {
			t.Errorf("[FAIL] %s is %s", name, st)
		}
	}

	moves, err := eng.With(Games).Get(kv.RecordKey(2))
	if err != nil {
		t.Fatal(err)
	}
	if string(moves) != "1. f3 e5 2. g4 Qh4# 0-1" {
		t.Errorf("[FAIL] bad movetext: %q", moves)
	}
	dat, err := eng.With(Headers).Get(kv.RecordKey(1))
	if err != nil {
		t.Fatal(err)
	}
	tags := make(map[string]string)
	if err = json.Unmarshal(dat, &tags); err != nil {
		t.Fatal(err)
	}
	if tags["White"] != "Bob" || tags["Black"] != "Carol" {
		t.Errorf("[FAIL] bad header: %v", tags)
	}

	// a second import continues numbering
	res, err = Run(context.Background(), eng, Request{Inputs: []string{in2}}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if res.FirstID != 3 || eng.NextRecord() != 4 {
		t.Errorf("[FAIL] numbering did not continue: %+v", res)
	}
}

func TestRunChunked(t *testing.T) {
	eng := newSchema(t, 0)
	in1 := writeInput(t, "a.pgn", twoGames)
	in2 := writeInput(t, "b.pgn", oneGame)
	eng.ResetCalls()

	req := Request{Inputs: []string{in1, in2}, Kind: bulkload.ChunkedPass, Chunk: 1}
	res, err := Run(context.Background(), eng, req, zerolog.Nop())
	if err != nil {
		t.Fatalf("[FAIL] Run: %v", err)
	}
	if res.Games != 3 {
		t.Errorf("[FAIL] wanted 3 games, got %d", res.Games)
	}
	cycles := 0
	for _, call := range eng.Calls() {
		if call == "CloseFiles(games,headers)" {
			cycles++
		}
	}
	if cycles != 3 {
		t.Errorf("[FAIL] expected a close per chunk, got %d in %v", cycles, eng.Calls())
	}
	if eng.With(Games).Len() != 3 || eng.With(Headers).Len() != 3 {
		t.Error("[FAIL] records lost across chunks")
	}

	_, err = Run(context.Background(), eng, Request{Inputs: []string{in1}, Kind: bulkload.ChunkedPass}, zerolog.Nop())
	if !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] zero chunk size should be a configuration error, got %v", err)
	}
}

func TestRunMultiPhase(t *testing.T) {
	eng := newSchema(t, 0)
	in := writeInput(t, "a.pgn", twoGames)

	res, err := Run(context.Background(), eng, Request{Inputs: []string{in}, Kind: bulkload.MultiPhase}, zerolog.Nop())
	if err != nil {
		t.Fatalf("[FAIL] Run: %v", err)
	}
	if res.Games != 2 {
		t.Errorf("[FAIL] wanted 2 games, got %d", res.Games)
	}
	if _, err = os.Stat(PendingPath(eng.Path())); !os.IsNotExist(err) {
		t.Errorf("[FAIL] spill file left behind: %v", err)
	}
	if !eng.With(Headers).Has(kv.RecordKey(1)) {
		t.Error("[FAIL] headers not folded in")
	}
	for name, st := range statuses(t, eng) {
		if st != bulkload.StatusNormal {
			t.Errorf("[FAIL] %s is %s", name, st)
		}
	}
}

func TestRunFull(t *testing.T) {
	eng := newSchema(t, 100)
	in := writeInput(t, "a.pgn", twoGames)

	res, err := Run(context.Background(), eng, Request{Inputs: []string{in}}, zerolog.Nop())
	if !errors.Is(err, bulkload.ErrEngineFileFull) {
		t.Fatalf("[FAIL] expected ErrEngineFileFull, got %v", err)
	}
	if res.Games != 1 {
		t.Errorf("[FAIL] expected one game before the file filled up, got %d", res.Games)
	}
	st := statuses(t, eng)
	if st[Games] != bulkload.StatusFull || st[Headers] != bulkload.StatusNormal {
		t.Errorf("[FAIL] bad statuses: %v", st)
	}
	if eng.NextRecord() != 0 {
		t.Errorf("[FAIL] record counter must not move on failure, got %d", eng.NextRecord())
	}
}

func TestRunMultiPhaseFull(t *testing.T) {
	eng := newSchema(t, 50)
	in := writeInput(t, "a.pgn", twoGames)

	_, err := Run(context.Background(), eng, Request{Inputs: []string{in}, Kind: bulkload.MultiPhase}, zerolog.Nop())
	if !errors.Is(err, bulkload.ErrEngineFileFull) {
		t.Fatalf("[FAIL] expected ErrEngineFileFull, got %v", err)
	}
	st := statuses(t, eng)
	if st[Games] != bulkload.StatusFull || st[Headers] != bulkload.StatusDeferredUpdatesPending {
		t.Errorf("[FAIL] bad statuses: %v", st)
	}
}

func TestRunBadInput(t *testing.T) {
	eng := newSchema(t, 0)
	bad := writeInput(t, "bad.pgn", "[White Alice]\n\n1. e4 *\n")

	_, err := Run(context.Background(), eng, Request{Inputs: []string{bad}}, zerolog.Nop())
	if !errors.Is(err, ErrMalformedTag) {
		t.Fatalf("[FAIL] expected ErrMalformedTag, got %v", err)
	}
	for name, st := range statuses(t, eng) {
		if slices.Contains(RecordFiles, name) && st != bulkload.StatusUnknown {
			t.Errorf("[FAIL] %s should be unknown after a crash-like failure, got %s", name, st)
		}
	}

	_, err = Run(context.Background(), eng, Request{Targets: []string{Games}}, zerolog.Nop())
	if !errors.Is(err, bulkload.ErrConfiguration) {
		t.Errorf("[FAIL] missing headers target should be a configuration error, got %v", err)
	}
	if err = eng.CloseFiles(Headers); err != nil {
		t.Fatal(err)
	}
	_, err = Run(context.Background(), eng, Request{}, zerolog.Nop())
	if !errors.Is(err, bulkload.ErrNoSuchFile) {
		t.Errorf("[FAIL] closed target should fail, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	eng := newSchema(t, 0)
	in := writeInput(t, "a.pgn", twoGames)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, eng, Request{Inputs: []string{in}}, zerolog.Nop()); !errors.Is(err, context.Canceled) {
		t.Fatalf("[FAIL] expected context.Canceled, got %v", err)
	}
}

func TestWork(t *testing.T) {
	eng := newSchema(t, 0)
	in := writeInput(t, "a.pgn", twoGames)
	if err := eng.CloseFiles(RecordFiles...); err != nil {
		t.Fatal(err)
	}

	res, err := Work(context.Background(), eng.Path(), Request{Inputs: []string{in}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("[FAIL] Work: %v", err)
	}
	if res.Games != 2 {
		t.Errorf("[FAIL] wanted 2 games, got %d", res.Games)
	}
	if _, err = os.Stat(filepath.Join(eng.Path(), ".ingest.lock")); !os.IsNotExist(err) {
		t.Errorf("[FAIL] ingest lock left behind: %v", err)
	}

	if err = eng.ReopenFiles(RecordFiles...); err != nil {
		t.Fatal(err)
	}
	if eng.With(Games).Len() != 2 {
		t.Errorf("[FAIL] controller does not see the worker's records")
	}
	if eng.NextRecord() != 2 {
		t.Errorf("[FAIL] controller does not see the committed counter: %d", eng.NextRecord())
	}
}

func TestRebuildDerived(t *testing.T) {
	eng := newSchema(t, 0)
	in1 := writeInput(t, "a.pgn", twoGames)
	in2 := writeInput(t, "b.pgn", oneGame)
	if _, err := Run(context.Background(), eng, Request{Inputs: []string{in1, in2}}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	rebuilt, err := RebuildDerived(context.Background(), eng, false, zerolog.Nop())
	if err != nil || rebuilt {
		t.Fatalf("[FAIL] nothing is stale yet: rebuilt=%t err=%v", rebuilt, err)
	}
	if err = eng.MarkDerivedStale(); err != nil {
		t.Fatal(err)
	}
	if rebuilt, err = RebuildDerived(context.Background(), eng, false, zerolog.Nop()); err != nil || !rebuilt {
		t.Fatalf("[FAIL] expected a rebuild: rebuilt=%t err=%v", rebuilt, err)
	}
	for _, f := range eng.ManagedFiles() {
		if f.Stale {
			t.Errorf("[FAIL] %s still stale", f.Name)
		}
	}

	want := map[string][]uint64{
		"Alice": {0, 2},
		"Bob":   {0, 1},
		"Carol": {1, 2},
	}
	for player, ids := range want {
		got, gerr := GamesOf(eng, player)
		if gerr != nil {
			t.Fatalf("[FAIL] GamesOf(%s): %v", player, gerr)
		}
		if !slices.Equal(got, ids) {
			t.Errorf("[FAIL] %s: wanted %v, got %v", player, ids, got)
		}
	}
	if _, err = GamesOf(eng, "Nobody"); !kv.IsNonExistentKey(err) {
		t.Errorf("[FAIL] expected a missing key error, got %v", err)
	}
}
