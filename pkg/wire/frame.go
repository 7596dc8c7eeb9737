package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload accepted from a peer. Anything bigger
// is treated as stream corruption.
const MaxFrameSize = 64 << 20

// WriteFrame encodes term and writes it to w prefixed with its 4-byte
// big-endian length. The term is buffered first so that a partially written
// frame is only possible on socket failure, not on encoding failure.
func WriteFrame(w io.Writer, term any) error {
	var buf bytes.Buffer
	if err := EncodeTerm(&buf, term); err != nil {
		return err
	}
	if buf.Len() > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the %d limit", buf.Len(), MaxFrameSize)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(buf.Len()))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame reads one length-prefixed term from r. Framing violations are
// reported as ErrCorruptFrame, socket-level failures as the underlying error.
func ReadFrame(r io.Reader) (any, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds the %d limit", ErrCorruptFrame, n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame: %v", ErrCorruptFrame, err)
	}
	br := bytes.NewReader(payload)
	term, err := DecodeTerm(br)
	if err != nil {
		return nil, err
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after term", ErrCorruptFrame, br.Len())
	}
	return term, nil
}
