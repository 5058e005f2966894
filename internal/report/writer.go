package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/logging"
)

// Config configures a report Writer.
type Config struct {
	// Format selects the artifact encoding, FormatJSONL or FormatParquet.
	// Empty defaults to jsonl.
	Format string

	// Compression names the codec applied to the artifact. Empty defaults
	// to none.
	Compression string

	// Sinks receive the finished artifacts. At least one is required.
	Sinks []Sink

	// Logger, when nil, falls back to the process-wide logger.
	Logger *logging.Logger
}

// Writer accumulates merge records during a run and writes the report and
// summary artifacts when the run finishes. It implements defrag.Observer and
// is safe for concurrent use by shard workers.
type Writer struct {
	format      string
	compression string
	sinks       []Sink
	log         *logging.Logger

	mu      sync.Mutex
	records []Record
}

// NewWriter creates a report writer. Format and compression are validated
// here so a bad report configuration fails before the run starts.
func NewWriter(cfg Config) (*Writer, error) {
	format := cfg.Format
	switch format {
	case "":
		format = FormatJSONL
	case FormatJSONL, FormatParquet:
	default:
		return nil, fmt.Errorf("report: unsupported format %q", cfg.Format)
	}

	compression := cfg.Compression
	if compression == "" {
		compression = CompressionNone
	}
	switch compression {
	case CompressionNone, CompressionGzip, CompressionSnappy, CompressionLz4, CompressionZstd:
	default:
		return nil, fmt.Errorf("report: unsupported compression %q", cfg.Compression)
	}

	if len(cfg.Sinks) == 0 {
		return nil, errors.New("report: at least one sink is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}

	return &Writer{
		format:      format,
		compression: compression,
		sinks:       cfg.Sinks,
		log:         log,
	}, nil
}

// ObserveMerge implements defrag.Observer.
func (w *Writer) ObserveMerge(rec defrag.MergeRecord) {
	r := fromMergeRecord(rec)
	w.mu.Lock()
	w.records = append(w.records, r)
	w.mu.Unlock()
}

// Flush encodes the accumulated records and writes two artifacts to every
// sink: the report file itself and a <base>.summary.json sibling. A run with
// zero merges still produces both, so the absence of merges is itself
// recorded.
func (w *Writer) Flush(ctx context.Context, summary *defrag.Summary) error {
	if summary == nil {
		return errors.New("report: summary is required")
	}

	w.mu.Lock()
	records := make([]Record, len(w.records))
	copy(records, w.records)
	w.mu.Unlock()

	data, err := w.encode(records)
	if err != nil {
		return err
	}

	summaryData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode summary: %w", err)
	}
	summaryData = append(summaryData, '\n')

	base := fmt.Sprintf("%s-%s", summary.Namespace, summary.RunID)
	name := base + fileExtension(w.format, w.compression)
	summaryName := base + ".summary.json"

	for _, sink := range w.sinks {
		if err := sink.Store(ctx, name, data, artifactContentType(w.format, w.compression)); err != nil {
			return err
		}
		if err := sink.Store(ctx, summaryName, summaryData, "application/json"); err != nil {
			return err
		}
		w.log.Infof("run report written", map[string]any{
			"sink":    sink.String(),
			"name":    name,
			"records": len(records),
			"bytes":   len(data),
		})
	}

	return nil
}

func (w *Writer) encode(records []Record) ([]byte, error) {
	if w.format == FormatParquet {
		return encodeParquet(records, w.compression)
	}
	return encodeJSONL(records, w.compression)
}

func encodeJSONL(records []Record, compression string) ([]byte, error) {
	var buf bytes.Buffer
	cw, err := newCompressor(&buf, compression)
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(cw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("report: encode record: %w", err)
		}
	}

	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("report: close compressor: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeParquet(records []Record, compression string) ([]byte, error) {
	codec, err := parquetCompression(compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[Record](&buf, codec)

	if len(records) > 0 {
		n, err := pw.Write(records)
		if err != nil {
			return nil, fmt.Errorf("report: write parquet: %w", err)
		}
		if n != len(records) {
			return nil, fmt.Errorf("report: wrote %d of %d records", n, len(records))
		}
	}

	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("report: close parquet: %w", err)
	}
	return buf.Bytes(), nil
}

var _ defrag.Observer = (*Writer)(nil)
