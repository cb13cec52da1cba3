package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"pkt.systems/saslink/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("20260101T000000-deadbeef")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing run")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := Run{
		Record: RunRecord{
			Profile:    "viya",
			Transport:  schema.TransportREST,
			SessionID:  "sess-1",
			StartedAt:  started,
			FinishedAt: started.Add(2 * time.Second),
		},
		Code: "proc print data=sashelp.class; run;",
		Log: []schema.LogLine{
			{Type: schema.LogSource, Line: "1    proc print data=sashelp.class; run;"},
			{Type: schema.LogNote, Line: "NOTE: There were 19 observations read."},
		},
		Result: schema.RunResult{HTML5: "<html><title>Print</title><body>x</body></html>", Title: "Print"},
	}
	id, err := store.Save(run)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(id, "20260301T120000-") {
		t.Fatalf("unexpected run id %q", id)
	}
	got, ok, err := store.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected run to exist")
	}
	if got.Record.ID != id || got.Record.Lines != 2 || !got.Record.HasHTML || got.Record.Title != "Print" {
		t.Fatalf("unexpected record %+v", got.Record)
	}
	if got.Code != run.Code || !reflect.DeepEqual(got.Log, run.Log) || got.Result != run.Result {
		t.Fatalf("run mismatch:\nwant: %+v\ngot:  %+v", run, got)
	}
	if _, err := os.Stat(store.HTMLPath(id)); err != nil {
		t.Fatalf("expected html file: %v", err)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		run := Run{
			Record: RunRecord{Profile: "local", Transport: schema.TransportBatch, StartedAt: base.Add(time.Duration(i) * time.Minute)},
			Code:   "x",
		}
		if i == 1 {
			run.Record.Error = "engine exited with code 1; see log for details"
			run.Record.ErrorKind = "execution_failed"
		}
		if _, err := store.Save(run); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	records, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].StartedAt.After(records[i-1].StartedAt) {
			t.Fatalf("records not newest first: %+v", records)
		}
	}
	if records[1].ErrorKind != "execution_failed" || records[1].HasHTML {
		t.Fatalf("unexpected failed record %+v", records[1])
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "broken"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken", metaFile), []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("broken"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
	records, err := store.List()
	if err != nil || len(records) != 0 {
		t.Fatalf("expected broken entry skipped, got %v (%v)", records, err)
	}
}
