package report

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/pierrec/lz4/v4"
)

// Report formats.
const (
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// Compression codec names. For jsonl the whole artifact is stream-compressed;
// for parquet the codec selects page compression inside the container.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
	CompressionLz4    = "lz4"
	CompressionZstd   = "zstd"
)

// newCompressor wraps w with the named stream compressor. The returned writer
// must be closed to flush codec framing.
func newCompressor(w io.Writer, compression string) (io.WriteCloser, error) {
	switch compression {
	case "", CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionSnappy:
		return snappy.NewBufferedWriter(w), nil
	case CompressionLz4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("report: zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("report: unsupported compression %q", compression)
	}
}

// parquetCompression maps a codec name onto the parquet writer's page
// compression option.
func parquetCompression(compression string) (parquet.WriterOption, error) {
	switch compression {
	case "", CompressionNone:
		return parquet.Compression(&parquet.Uncompressed), nil
	case CompressionGzip:
		return parquet.Compression(&parquet.Gzip), nil
	case CompressionSnappy:
		return parquet.Compression(&parquet.Snappy), nil
	case CompressionLz4:
		return parquet.Compression(&parquet.Lz4Raw), nil
	case CompressionZstd:
		return parquet.Compression(&parquet.Zstd), nil
	default:
		return nil, fmt.Errorf("report: unsupported compression %q", compression)
	}
}

// fileExtension returns the artifact extension for a format/compression pair.
func fileExtension(format, compression string) string {
	if format == FormatParquet {
		return ".parquet"
	}
	switch compression {
	case CompressionGzip:
		return ".jsonl.gz"
	case CompressionSnappy:
		return ".jsonl.snappy"
	case CompressionLz4:
		return ".jsonl.lz4"
	case CompressionZstd:
		return ".jsonl.zst"
	default:
		return ".jsonl"
	}
}

// artifactContentType returns the MIME type the artifact is uploaded with.
func artifactContentType(format, compression string) string {
	if format == FormatParquet {
		return "application/x-parquet"
	}
	if compression == "" || compression == CompressionNone {
		return "application/x-ndjson"
	}
	return "application/octet-stream"
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
