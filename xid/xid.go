// Package xid implements the XA transaction branch identifier and the byte
// layout the coordinator uses to stamp its identity into every global id.
package xid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxGtridSize = 64
	MaxBqualSize = 64
)

var (
	ErrTooLong   = errors.New("xid: component exceeds 64 bytes")
	ErrMalformed = errors.New("xid: malformed encoding")
)

// Xid identifies one branch of a global transaction. The zero value is the
// null Xid. Xids are comparable and may be used as map keys.
type Xid struct {
	formatID int32
	gtrid    string
	bqual    string
}

func New(formatID int32, gtrid, bqual []byte) (Xid, error) {
	if len(gtrid) > MaxGtridSize || len(bqual) > MaxBqualSize {
		return Xid{}, ErrTooLong
	}
	return Xid{formatID: formatID, gtrid: string(gtrid), bqual: string(bqual)}, nil
}

func (x Xid) FormatID() int32 { return x.formatID }

func (x Xid) Gtrid() []byte { return []byte(x.gtrid) }

func (x Xid) Bqual() []byte { return []byte(x.bqual) }

func (x Xid) IsZero() bool { return x == Xid{} }

// Global returns the Xid with its branch qualifier removed.
func (x Xid) Global() Xid {
	return Xid{formatID: x.formatID, gtrid: x.gtrid}
}

// SameGlobal reports whether x and o are branches of the same global transaction.
func (x Xid) SameGlobal(o Xid) bool {
	return x.formatID == o.formatID && x.gtrid == o.gtrid
}

func (x Xid) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(int64(x.formatID), 10))
	sb.WriteByte(':')
	sb.WriteString(hex.EncodeToString([]byte(x.gtrid)))
	sb.WriteByte(':')
	sb.WriteString(hex.EncodeToString([]byte(x.bqual)))
	return sb.String()
}

// Parse is the inverse of String.
func Parse(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	formatID, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: format id: %v", ErrMalformed, err)
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: gtrid: %v", ErrMalformed, err)
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: bqual: %v", ErrMalformed, err)
	}
	return New(int32(formatID), gtrid, bqual)
}

func (x Xid) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

func (x *Xid) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}

// AppendBinary appends the wire form of x to dst:
// formatID int32 | gtridLen uint8 | gtrid | bqualLen uint8 | bqual, big-endian.
func AppendBinary(dst []byte, x Xid) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(x.formatID))
	dst = append(dst, byte(len(x.gtrid)))
	dst = append(dst, x.gtrid...)
	dst = append(dst, byte(len(x.bqual)))
	dst = append(dst, x.bqual...)
	return dst
}

// ReadBinary decodes one Xid from the front of b and returns the number of
// bytes consumed.
func ReadBinary(b []byte) (Xid, int, error) {
	if len(b) < 5 {
		return Xid{}, 0, ErrMalformed
	}
	formatID := int32(binary.BigEndian.Uint32(b))
	n := 4
	gl := int(b[n])
	n++
	if gl > MaxGtridSize || len(b) < n+gl+1 {
		return Xid{}, 0, ErrMalformed
	}
	gtrid := b[n : n+gl]
	n += gl
	bl := int(b[n])
	n++
	if bl > MaxBqualSize || len(b) < n+bl {
		return Xid{}, 0, ErrMalformed
	}
	bqual := b[n : n+bl]
	n += bl
	return Xid{formatID: formatID, gtrid: string(gtrid), bqual: string(bqual)}, n, nil
}

func (x Xid) MarshalBinary() ([]byte, error) {
	return AppendBinary(make([]byte, 0, 6+len(x.gtrid)+len(x.bqual)), x), nil
}

func (x *Xid) UnmarshalBinary(b []byte) error {
	parsed, n, err := ReadBinary(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n)
	}
	*x = parsed
	return nil
}

// Compare orders Xids by format id, gtrid and bqual.
func Compare(a, b Xid) int {
	switch {
	case a.formatID < b.formatID:
		return -1
	case a.formatID > b.formatID:
		return 1
	}
	if c := strings.Compare(a.gtrid, b.gtrid); c != 0 {
		return c
	}
	return strings.Compare(a.bqual, b.bqual)
}
