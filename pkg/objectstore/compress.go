package objectstore

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/hicr-project/hicr/pkg/hicr"
)

func compressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return nil, hicr.ErrBackendFailure("compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, hicr.ErrBackendFailure("compress", err)
	}
	return buf.Bytes(), nil
}

func decompressBytes(data []byte, expectedSize uint64) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out := make([]byte, expectedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, hicr.ErrBackendFailure("decompress", err)
	}
	return out, nil
}
