// Package samplelog persists streaming samples to a CSV file, decoupled from
// the sample path by an unbounded queue so slow disks never stall framing.
package samplelog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bennesher/csep590c-sp23/internal/queue"
	"github.com/bennesher/csep590c-sp23/logger"
)

// header is the fixed CSV header row.
const header = "'Timestamp','Value','InSeizure','TherapyState'"

// Record is one sample log row.
type Record struct {
	TimestampMS   uint32
	VoltageMV     float64
	InSeizure     bool
	TherapyNeeded bool
}

// Writer appends sample records to a CSV file. Append never blocks on disk
// I/O: records land in an unbounded in-memory queue drained by a dedicated
// goroutine.
type Writer struct {
	logger logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  queue.Queue
	closed bool

	file *os.File
	bw   *bufio.Writer
	done chan struct{}
}

// NewWriter creates a writer for path, generating a unique name when the
// file already exists, and writes the header row.
func NewWriter(path string, l logger.Logger) (*Writer, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	file, resolved, err := createUnique(path)
	if err != nil {
		return nil, fmt.Errorf("samplelog: create %s: %w", path, err)
	}

	w := &Writer{
		logger: l.With("log_file", resolved),
		queue:  queue.NewSliceQueue(256),
		file:   file,
		bw:     bufio.NewWriter(file),
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	if _, err := w.bw.WriteString(header + "\n"); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("samplelog: write header: %w", err)
	}

	go w.drain()

	w.logger.Info("sample log opened")

	return w, nil
}

// Append enqueues one record. It is safe for concurrent use and never
// blocks; records appended after Close are dropped.
func (w *Writer) Append(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	w.queue.Enqueue(rec)
	w.cond.Signal()
}

// Close stops the drain goroutine, flushes buffered rows and closes the
// file. Records already enqueued are written before Close returns.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()

	<-w.done

	if err := w.bw.Flush(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("samplelog: flush: %w", err)
	}

	return w.file.Close()
}

// drain moves records from the queue to the buffered file writer.
func (w *Writer) drain() {
	defer close(w.done)

	for {
		w.mu.Lock()
		for w.queue.IsEmpty() && !w.closed {
			w.cond.Wait()
		}

		if w.queue.IsEmpty() && w.closed {
			w.mu.Unlock()
			return
		}

		rec, _ := w.queue.Dequeue().(Record)
		w.mu.Unlock()

		w.writeRecord(rec)
	}
}

func (w *Writer) writeRecord(rec Record) {
	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(uint64(rec.TimestampMS), 10))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatFloat(rec.VoltageMV, 'f', -1, 64))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatBool(rec.InSeizure))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatBool(rec.TherapyNeeded))
	sb.WriteByte('\n')

	if _, err := w.bw.WriteString(sb.String()); err != nil {
		w.logger.Error("failed to write sample row", "error", err)
	}
}

// createUnique opens path for exclusive creation, deriving "name-1.ext",
// "name-2.ext", ... when the name is taken.
func createUnique(path string) (*os.File, string, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		return file, path, nil
	}
	if !os.IsExist(err) {
		return nil, "", err
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)

		file, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
}
