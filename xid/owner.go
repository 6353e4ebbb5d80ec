package xid

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// FormatID marks Xids minted by this coordinator ("XAT1").
const FormatID int32 = 0x58415431

// Layout of a coordinator gtrid:
//
//	[0]      layout version
//	[1:17]   cruuid, raw uuid bytes
//	[17:25]  epoch, big-endian
//	[25:33]  sequence within the epoch, big-endian
//	[33:]    application global name, up to MaxNameSize bytes
//
// and of a coordinator bqual:
//
//	[0:4]    branch index, big-endian
//	[4:]     resource manager name, up to MaxRMNameSize bytes
const (
	layoutVersion = 1
	ownerSize     = 1 + 16 + 8 + 8

	MaxNameSize   = MaxGtridSize - ownerSize
	MaxRMNameSize = MaxBqualSize - 4
)

// Owner is the coordinator identity stamped into a gtrid.
type Owner struct {
	Cruuid uuid.UUID
	Epoch  uint64
}

func (o Owner) String() string {
	return fmt.Sprintf("%s/%d", o.Cruuid, o.Epoch)
}

// NewGlobal mints the global Xid (empty bqual) for the seq'th transaction of
// owner's epoch.
func NewGlobal(owner Owner, seq uint64, name string) (Xid, error) {
	if len(name) > MaxNameSize {
		return Xid{}, fmt.Errorf("%w: global name %q", ErrTooLong, name)
	}
	gtrid := make([]byte, 0, ownerSize+len(name))
	gtrid = append(gtrid, layoutVersion)
	gtrid = append(gtrid, owner.Cruuid[:]...)
	gtrid = binary.BigEndian.AppendUint64(gtrid, owner.Epoch)
	gtrid = binary.BigEndian.AppendUint64(gtrid, seq)
	gtrid = append(gtrid, name...)
	return New(FormatID, gtrid, nil)
}

// Branch derives the index'th branch of global. Long resource manager names
// are truncated.
func Branch(global Xid, index uint32, rmName string) Xid {
	if len(rmName) > MaxRMNameSize {
		rmName = rmName[:MaxRMNameSize]
	}
	bqual := make([]byte, 0, 4+len(rmName))
	bqual = binary.BigEndian.AppendUint32(bqual, index)
	bqual = append(bqual, rmName...)
	return Xid{formatID: global.formatID, gtrid: global.gtrid, bqual: string(bqual)}
}

// OwnerOf decodes the coordinator identity and sequence from x. ok is false
// for Xids that were not minted with the coordinator layout.
func OwnerOf(x Xid) (owner Owner, seq uint64, ok bool) {
	if x.formatID != FormatID || len(x.gtrid) < ownerSize || x.gtrid[0] != layoutVersion {
		return Owner{}, 0, false
	}
	g := x.gtrid
	copy(owner.Cruuid[:], g[1:17])
	owner.Epoch = binary.BigEndian.Uint64([]byte(g[17:25]))
	seq = binary.BigEndian.Uint64([]byte(g[25:33]))
	return owner, seq, true
}

// Name returns the application global name carried by a coordinator Xid.
func Name(x Xid) string {
	if _, _, ok := OwnerOf(x); !ok {
		return ""
	}
	return x.gtrid[ownerSize:]
}

// BranchIndex returns the branch index of a coordinator bqual.
func BranchIndex(x Xid) (uint32, bool) {
	if x.formatID != FormatID || len(x.bqual) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32([]byte(x.bqual[:4])), true
}
