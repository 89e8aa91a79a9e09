package trace

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.RunID() == "" {
		t.Error("empty run ID")
	}

	w.NextFrame()
	if err := w.Record("pyramid", 1500*time.Microsecond); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Record("extrema", 200*time.Microsecond); err != nil {
		t.Fatalf("Record: %v", err)
	}
	w.NextFrame()
	if err := w.Record("pyramid", 900*time.Microsecond); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if entries[0].Stage != "pyramid" || entries[0].Micros != 1500 || entries[0].Frame != 1 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Stage != "extrema" || entries[1].Frame != 1 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].Frame != 2 {
		t.Errorf("entry 2 frame = %d, want 2", entries[2].Frame)
	}

	for _, e := range entries {
		if e.RunID != w.RunID() {
			t.Errorf("entry run ID %q != writer run ID %q", e.RunID, w.RunID())
		}
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Error("opening a missing trace file succeeded")
	}
}
