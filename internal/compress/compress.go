// Package compress provides gzip helpers for payload storage. Applied
// before encryption at enqueue and reversed after decryption at replay.
package compress

import (
	"bytes"
	"compress/gzip"
	"io"
)

// MinSize is the payload size below which compression is skipped; tiny
// payloads gain nothing from gzip framing.
const MinSize = 256

// Gzip compresses data.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses data.
func Gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
