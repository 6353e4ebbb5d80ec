package txlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"xatm/xid"
)

// Event is the opaque type tag of a log record. Its meaning belongs to the
// writer of the log.
type Event byte

// Record is one entry of the transaction log.
type Record struct {
	Seq     uint64
	Xid     xid.Xid
	Event   Event
	Payload []byte
}

const (
	magic         = "XTLG"
	formatVersion = 1
	headerSize    = 16
	frameSize     = 4 + 8
	maxBodySize   = 16 << 20
)

var ErrCorrupt = errors.New("txlog: corrupt record")

// file header: magic | version uint16 | reserved uint16 | baseSeq uint64
func encodeHeader(baseSeq uint64) []byte {
	h := make([]byte, headerSize)
	copy(h, magic)
	binary.LittleEndian.PutUint16(h[4:], formatVersion)
	binary.LittleEndian.PutUint64(h[8:], baseSeq)
	return h
}

func decodeHeader(h []byte) (uint64, error) {
	if len(h) != headerSize || string(h[:4]) != magic {
		return 0, fmt.Errorf("%w: bad file header", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(h[4:]); v != formatVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	return binary.LittleEndian.Uint64(h[8:]), nil
}

// appendRecord frames r as len uint32 | xxhash64(body) uint64 | body, where
// body is seq uint64 | event byte | xid | payloadLen uint32 | payload.
func appendRecord(dst []byte, r *Record) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, frameSize)...)
	dst = binary.LittleEndian.AppendUint64(dst, r.Seq)
	dst = append(dst, byte(r.Event))
	dst = xid.AppendBinary(dst, r.Xid)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Payload)))
	dst = append(dst, r.Payload...)

	body := dst[start+frameSize:]
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(body)))
	binary.LittleEndian.PutUint64(dst[start+4:], xxhash.Sum64(body))
	return dst
}

func decodeBody(body []byte) (Record, error) {
	var r Record
	if len(body) < 9 {
		return r, ErrCorrupt
	}
	r.Seq = binary.LittleEndian.Uint64(body)
	r.Event = Event(body[8])
	x, n, err := xid.ReadBinary(body[9:])
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r.Xid = x
	rest := body[9+n:]
	if len(rest) < 4 {
		return r, ErrCorrupt
	}
	pl := binary.LittleEndian.Uint32(rest)
	if int(pl) != len(rest)-4 {
		return r, fmt.Errorf("%w: payload length mismatch", ErrCorrupt)
	}
	if pl > 0 {
		r.Payload = append([]byte(nil), rest[4:]...)
	}
	return r, nil
}

// readRecord reads one framed record. It returns io.EOF at a clean end of
// file and io.ErrUnexpectedEOF or ErrCorrupt for a torn or damaged tail.
// The returned size is the number of bytes the record occupied.
func readRecord(r *bufio.Reader) (Record, int, error) {
	var frame [frameSize]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return Record{}, 0, err
	}
	n := binary.LittleEndian.Uint32(frame[:4])
	sum := binary.LittleEndian.Uint64(frame[4:])
	if n > maxBodySize {
		return Record{}, 0, fmt.Errorf("%w: body length %d", ErrCorrupt, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, 0, err
	}
	if xxhash.Sum64(body) != sum {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	rec, err := decodeBody(body)
	return rec, frameSize + int(n), err
}
