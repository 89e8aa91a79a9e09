// Package trace records per-stage pipeline timings as JSON lines, one file
// per run. A run is identified by a generated UUID so traces from several
// detector instances can share a directory.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one timed pipeline stage within one frame.
type Entry struct {
	// RunID identifies the detector run this entry belongs to.
	RunID string `json:"runId"`

	// Frame is the frame counter within the run.
	Frame int `json:"frame"`

	// Stage names the pipeline stage (pyramid, extrema, dispatch,
	// orientation, descriptor, readback).
	Stage string `json:"stage"`

	// Micros is the host-observed stage duration in microseconds.
	Micros int64 `json:"micros"`

	// Timestamp records when the entry was written.
	Timestamp time.Time `json:"timestamp"`
}

// Writer appends entries to a JSONL file. Buffered and safe for concurrent
// use.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	runID  string
	frame  int
}

// NewWriter creates a trace writer at the given path, truncating any
// existing file. The run ID is generated.
func NewWriter(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	return &Writer{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
		runID:  uuid.NewString(),
	}, nil
}

// RunID returns the generated run identifier.
func (w *Writer) RunID() string { return w.runID }

// Path returns the filesystem path of the trace file.
func (w *Writer) Path() string { return w.path }

// NextFrame advances the frame counter. Call once per detect call.
func (w *Writer) NextFrame() {
	w.mu.Lock()
	w.frame++
	w.mu.Unlock()
}

// Record writes one stage timing for the current frame.
func (w *Writer) Record(stage string, elapsed time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		RunID:     w.runID,
		Frame:     w.frame,
		Stage:     stage,
		Micros:    elapsed.Microseconds(),
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Reader reads entries back from a JSONL trace file.
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewReader opens a trace file for reading.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Reader{file: file, scanner: scanner}, nil
}

// Read returns the next entry, or io.EOF when exhausted.
func (r *Reader) Read() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll drains the file into a slice.
func (r *Reader) ReadAll() ([]Entry, error) {
	var entries []Entry
	for {
		entry, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}
