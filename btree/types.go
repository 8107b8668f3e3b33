package btree

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// PageSize is the size of every page in the backing file.
	PageSize = 4096

	pageChecksumLen = 8

	leafHeaderLen     = 16
	internalHeaderLen = 8

	// LeafCapacity is the number of ids that fit in a leaf page.
	LeafCapacity = (PageSize - leafHeaderLen - pageChecksumLen) / IdLen
	// InternalCapacity is the number of separators that fit in an internal page.
	// An internal page with k separators holds k+1 child offsets.
	InternalCapacity = (PageSize - internalHeaderLen - offsetLen - pageChecksumLen) / (IdLen + offsetLen)

	// IdLen is the encoded size of an Id.
	IdLen = 16

	offsetLen = 4
)

// Id is a 128-bit unsigned identifier, ordered by (Hi, Lo).
type Id struct {
	Hi uint64
	Lo uint64
}

// IdFromUint64 returns the Id whose value is v.
func IdFromUint64(v uint64) Id {
	return Id{Lo: v}
}

// IdFromUUID interprets the 16 bytes of u as a big-endian 128-bit value.
func IdFromUUID(u uuid.UUID) Id {
	return IdFromBytes(u[:])
}

// IdFromBytes decodes a big-endian 16-byte value.
func IdFromBytes(b []byte) Id {
	return Id{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

// PutBytes writes id as 16 big-endian bytes into b.
func (id Id) PutBytes(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:16], id.Lo)
}

// UUID returns id formatted as a UUID value.
func (id Id) UUID() uuid.UUID {
	var u uuid.UUID
	id.PutBytes(u[:])
	return u
}

// Compare returns -1, 0 or +1.
func (id Id) Compare(other Id) int {
	switch {
	case id.Hi < other.Hi:
		return -1
	case id.Hi > other.Hi:
		return 1
	case id.Lo < other.Lo:
		return -1
	case id.Lo > other.Lo:
		return 1
	}
	return 0
}

func (id Id) Less(other Id) bool {
	return id.Compare(other) < 0
}

// Big returns id as a big.Int.
func (id Id) Big() *big.Int {
	var b [IdLen]byte
	id.PutBytes(b[:])
	return new(big.Int).SetBytes(b[:])
}

func (id Id) String() string {
	return id.UUID().String()
}

var maxId = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// ParseId accepts a UUID, a 0x-prefixed hex value, or a decimal value.
func ParseId(s string) (Id, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Id{}, errors.New("empty id")
	}

	if u, err := uuid.Parse(s); err == nil && strings.Contains(s, "-") {
		return IdFromUUID(u), nil
	}

	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = v.SetString(s[2:], 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok {
		return Id{}, errors.Errorf("invalid id %q", s)
	}
	if v.Sign() < 0 || v.Cmp(maxId) > 0 {
		return Id{}, errors.Errorf("id %q out of 128-bit range", s)
	}

	var b [IdLen]byte
	v.FillBytes(b[:])
	return IdFromBytes(b[:]), nil
}

// PageOffset is a logical page index into the backing file.
type PageOffset uint32

const (
	// HeaderOffset is where the header page lives. As a sibling pointer the
	// same value means "no sibling".
	HeaderOffset PageOffset = 0
	nullOffset   PageOffset = 0
)

// FileOffset returns the byte position of the page in the backing file.
func (o PageOffset) FileOffset() int64 {
	return int64(o) * PageSize
}

func (o PageOffset) IsNull() bool {
	return o == nullOffset
}

// PageKind tags the encoded page.
type PageKind uint8

const (
	KindUnused PageKind = iota
	KindHeader
	KindLeaf
	KindInternal
)

func (k PageKind) String() string {
	switch k {
	case KindUnused:
		return "unused"
	case KindHeader:
		return "header"
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Page is one decoded page: *Header, *LeafNode or *InternalNode.
// Published pages are never modified; writers clone before mutating.
type Page interface {
	Kind() PageKind
	clone() Page
}

// Header is the content of page 0.
type Header struct {
	RootOffset PageOffset
	// NextOffset is the allocation cursor: the next never-used page.
	NextOffset    PageOffset
	CheckpointLSN uint64
	IdCount       uint64
}

func (h *Header) Kind() PageKind { return KindHeader }

func (h *Header) clone() Page {
	c := *h
	return &c
}

// LeafNode holds ascending, duplicate-free ids and links to its siblings.
type LeafNode struct {
	Left  PageOffset
	Right PageOffset
	Ids   []Id
}

func (n *LeafNode) Kind() PageKind { return KindLeaf }

func (n *LeafNode) clone() Page {
	c := &LeafNode{Left: n.Left, Right: n.Right, Ids: make([]Id, len(n.Ids), LeafCapacity+1)}
	copy(c.Ids, n.Ids)
	return c
}

// InternalNode routes ids to children: child i holds ids below Keys[i],
// the last child holds ids at or above the last key.
type InternalNode struct {
	Keys     []Id
	Children []PageOffset
}

func (n *InternalNode) Kind() PageKind { return KindInternal }

func (n *InternalNode) clone() Page {
	c := &InternalNode{
		Keys:     make([]Id, len(n.Keys), InternalCapacity+1),
		Children: make([]PageOffset, len(n.Children), InternalCapacity+2),
	}
	copy(c.Keys, n.Keys)
	copy(c.Children, n.Children)
	return c
}
