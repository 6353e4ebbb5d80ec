package xid

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsLongComponents(t *testing.T) {
	_, err := New(1, bytes.Repeat([]byte{1}, 65), nil)
	require.ErrorIs(t, err, ErrTooLong)

	_, err = New(1, nil, bytes.Repeat([]byte{1}, 65))
	require.ErrorIs(t, err, ErrTooLong)

	x, err := New(1, bytes.Repeat([]byte{1}, 64), bytes.Repeat([]byte{2}, 64))
	require.NoError(t, err)
	assert.Len(t, x.Gtrid(), 64)
}

func TestStructuralEquality(t *testing.T) {
	a, _ := New(7, []byte("g"), []byte("b1"))
	b, _ := New(7, []byte("g"), []byte("b1"))
	c, _ := New(7, []byte("g"), []byte("b2"))

	assert.Equal(t, a, b)
	assert.True(t, a == b)
	assert.False(t, a == c)
	assert.True(t, a.SameGlobal(c))
	assert.Equal(t, a.Global(), c.Global())

	set := map[Xid]int{a: 1}
	set[b]++
	assert.Equal(t, 2, set[a])
}

func TestGtridIsCopied(t *testing.T) {
	g := []byte("global")
	x, err := New(1, g, nil)
	require.NoError(t, err)
	g[0] = 'X'
	assert.Equal(t, []byte("global"), x.Gtrid())

	out := x.Gtrid()
	out[0] = 'Y'
	assert.Equal(t, []byte("global"), x.Gtrid())
}

func TestStringParse(t *testing.T) {
	x, _ := New(-3, []byte{0, 1, 0xff}, []byte("q"))
	parsed, err := Parse(x.String())
	require.NoError(t, err)
	assert.Equal(t, x, parsed)

	_, err = Parse("1:zz:00")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Parse("nope")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBinaryEncoding(t *testing.T) {
	x, _ := New(42, []byte("gtrid"), []byte("bqual"))
	buf := AppendBinary([]byte("prefix"), x)
	got, n, err := ReadBinary(buf[len("prefix"):])
	require.NoError(t, err)
	assert.Equal(t, x, got)
	assert.Equal(t, len(buf)-len("prefix"), n)

	_, _, err = ReadBinary(buf[len("prefix") : len(buf)-1])
	assert.ErrorIs(t, err, ErrMalformed)

	var y Xid
	raw, _ := x.MarshalBinary()
	require.NoError(t, y.UnmarshalBinary(raw))
	assert.Equal(t, x, y)
	assert.Error(t, y.UnmarshalBinary(append(raw, 0)))
}

func TestOwnerLayout(t *testing.T) {
	owner := Owner{Cruuid: uuid.New(), Epoch: 9}
	g, err := NewGlobal(owner, 77, "X")
	require.NoError(t, err)
	assert.Equal(t, FormatID, g.FormatID())
	assert.Len(t, g.Gtrid(), ownerSize+1)

	gotOwner, seq, ok := OwnerOf(g)
	require.True(t, ok)
	assert.Equal(t, owner, gotOwner)
	assert.Equal(t, uint64(77), seq)
	assert.Equal(t, "X", Name(g))

	b := Branch(g, 3, "orders-db")
	assert.True(t, b.SameGlobal(g))
	idx, ok := BranchIndex(b)
	require.True(t, ok)
	assert.Equal(t, uint32(3), idx)

	gotOwner, _, ok = OwnerOf(b)
	require.True(t, ok)
	assert.Equal(t, owner, gotOwner)
}

func TestOwnerOfForeignXid(t *testing.T) {
	foreign, _ := New(0x1234, []byte("X"), []byte("1"))
	_, _, ok := OwnerOf(foreign)
	assert.False(t, ok)
	assert.Equal(t, "", Name(foreign))

	_, err := NewGlobal(Owner{}, 1, string(bytes.Repeat([]byte{'n'}, MaxNameSize+1)))
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestSameNameDifferentOwners(t *testing.T) {
	a, _ := NewGlobal(Owner{Cruuid: uuid.New(), Epoch: 1}, 1, "X")
	b, _ := NewGlobal(Owner{Cruuid: uuid.New(), Epoch: 1}, 1, "X")
	assert.Equal(t, Name(a), Name(b))
	assert.NotEqual(t, a, b)
}
