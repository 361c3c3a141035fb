// Package transport implements the two wire paths a replica's message
// bus needs: a small-message TCP control channel for ping/prepare/
// prepare_ok/view-change traffic (spec §6), and an HTTP2 bulk-transfer
// path for state sync, grid block repair, and large prepare repair
// (design notes §9).
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vsrdb/vsr"
)

// lengthPrefixSize is the size of the frame length field preceding every
// header+body pair written to a control connection. Headers already carry
// their own size; this outer length lets the reader allocate its buffer
// before it has parsed anything.
const lengthPrefixSize = 4

// WriteMessage frames and writes m to w: a 4-byte big-endian length
// followed by m's encoded header+body, mirroring the length-prefixed
// framing litefs's internal/chunk package uses for its own on-wire
// records.
func WriteMessage(w io.Writer, m *vsr.Message) error {
	buf := m.Encode()
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message from r into a message drawn from
// pool. The caller owns the returned Message and must Unref it.
func ReadMessage(r *bufio.Reader, pool *vsr.Pool) (*vsr.Message, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < vsr.HeaderSize {
		return nil, fmt.Errorf("transport: frame too short: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("transport: read frame: %w", err)
	}

	m := pool.Get()
	if err := m.Decode(buf); err != nil {
		m.Unref()
		return nil, fmt.Errorf("transport: decode frame: %w", err)
	}
	return m, nil
}
