// internal/cache/compression.go
package cache

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Stored values start with a one byte marker naming their encoding.
const (
	markerPlain  byte = 'j'
	markerBrotli byte = 'b'
)

var brotliReaderPool = sync.Pool{
	New: func() interface{} {
		return brotli.NewReader(nil)
	},
}

var emptyReader = strings.NewReader("")

// encode frames raw, compressing it when it is larger than threshold.
// A threshold of zero or less disables compression.
func encode(raw []byte, threshold int) ([]byte, error) {
	if threshold <= 0 || len(raw) <= threshold {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, markerPlain)
		return append(out, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(markerBrotli)
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("brotli write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// decode reverses encode.
func decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty cache value")
	}
	switch stored[0] {
	case markerPlain:
		return stored[1:], nil
	case markerBrotli:
		br := brotliReaderPool.Get().(*brotli.Reader)
		defer func() {
			_ = br.Reset(emptyReader)
			brotliReaderPool.Put(br)
		}()
		if err := br.Reset(bytes.NewReader(stored[1:])); err != nil {
			return nil, fmt.Errorf("brotli reset failed: %w", err)
		}
		out, err := io.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("brotli read failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown cache value marker %q", stored[0])
	}
}
