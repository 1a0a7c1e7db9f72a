// Package telemetry persists training metrics as Parquet files so runs can
// be inspected after the fact with any columnar tooling.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// StepRecord is one optimizer step of one training run.
type StepRecord struct {
	ID           string    `parquet:"id"`
	RunID        string    `parquet:"run_id"`
	Timestamp    time.Time `parquet:"timestamp"`
	Epoch        int       `parquet:"epoch"`
	Step         int       `parquet:"step"`
	Loss         float64   `parquet:"loss"`
	LearningRate float64   `parquet:"learning_rate"`
	BatchSize    int       `parquet:"batch_size"`
	WorldSize    int       `parquet:"world_size"`
}

// Sink buffers step records and writes them to Parquet files in batches.
type Sink struct {
	outputDir string
	runID     string
	mu        sync.Mutex
	buffer    []StepRecord
	batchSize int
}

// NewSink creates a sink writing under outputDir. Each sink gets a fresh
// run ID that tags every record it emits.
func NewSink(outputDir string) (*Sink, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	return &Sink{
		outputDir: outputDir,
		runID:     uuid.New().String(),
		batchSize: 100,
		buffer:    make([]StepRecord, 0, 100),
	}, nil
}

// RunID returns the identifier tagging this sink's records.
func (s *Sink) RunID() string { return s.runID }

// Record buffers one step, filling in ID, run ID and timestamp. The buffer
// is flushed to disk once it reaches the batch size.
func (s *Sink) Record(r StepRecord) error {
	r.ID = uuid.New().String()
	r.RunID = s.runID
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, r)
	if len(s.buffer) >= s.batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes any buffered records to a new Parquet file.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// Close flushes remaining records.
func (s *Sink) Close() error { return s.Flush() }

// flush writes the current buffer. Caller must hold the lock.
func (s *Sink) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	filename := fmt.Sprintf("train_metrics_%s_%d.parquet", time.Now().Format("20060102_150405"), time.Now().UnixNano())
	path := filepath.Join(s.outputDir, filename)

	if err := parquet.WriteFile(path, s.buffer); err != nil {
		return fmt.Errorf("failed to write telemetry parquet file: %w", err)
	}

	s.buffer = s.buffer[:0]
	return nil
}
