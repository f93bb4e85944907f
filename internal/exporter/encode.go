package exporter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/pool"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// Compression codecs for object bodies
const (
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
	CompressionNone   = "none"
)

// codec turns a batch into an object body
type codec struct {
	name            string
	extension       string
	contentEncoding string
}

func codecFor(name string) (codec, error) {
	switch name {
	case CompressionGzip, "":
		return codec{name: CompressionGzip, extension: ".json.gz", contentEncoding: "gzip"}, nil
	case CompressionSnappy:
		return codec{name: CompressionSnappy, extension: ".json.snappy", contentEncoding: "snappy"}, nil
	case CompressionNone:
		return codec{name: CompressionNone, extension: ".json"}, nil
	default:
		return codec{}, fmt.Errorf("unsupported compression type: %s", name)
	}
}

// encode renders lines as a JSON array of strings and compresses it
func (c codec) encode(lines []types.LogLine) ([]byte, error) {
	raw := pool.GetByteBuffer()
	defer pool.PutByteBuffer(raw)

	if err := encodeJSONArray(raw, lines); err != nil {
		return nil, err
	}

	switch c.name {
	case CompressionNone:
		return bytes.Clone(raw.Bytes()), nil

	case CompressionSnappy:
		return snappy.Encode(nil, raw.Bytes()), nil

	default:
		out := pool.GetByteBuffer()
		defer pool.PutByteBuffer(out)

		zw := pool.GetGzipWriter(out)
		defer pool.PutGzipWriter(zw)

		if _, err := zw.Write(raw.Bytes()); err != nil {
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return bytes.Clone(out.Bytes()), nil
	}
}

// encodeJSONArray writes lines as a compact JSON array. HTML escaping is
// off so log text keeps its <, > and & as written.
func encodeJSONArray(buf *bytes.Buffer, lines []types.LogLine) error {
	if lines == nil {
		lines = []types.LogLine{}
	}

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(lines); err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	// Encode terminates with a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}
