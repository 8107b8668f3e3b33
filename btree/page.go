package btree

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Byte layout of a page. Every page ends with an xxhash64 of the bytes
// before it.
//
//	header:   kind | pad[3] | magic u32 | version u32 | root u32 | next u32 | checkpointLSN u64 | idCount u64
//	leaf:     kind | pad[3] | count u32 | left u32 | right u32 | ids[count]
//	internal: kind | pad[3] | count u32 | keys[InternalCapacity] | children[count+1]
const (
	headerMagic   uint32 = 0x49445331 // "IDS1"
	formatVersion uint32 = 1

	checksumAt          = PageSize - pageChecksumLen
	internalChildrenAt  = internalHeaderLen + InternalCapacity*IdLen
	internalChildrenEnd = internalChildrenAt + (InternalCapacity+1)*offsetLen
)

func init() {
	if internalChildrenEnd > checksumAt {
		panic("internal node layout exceeds page size")
	}
	if leafHeaderLen+LeafCapacity*IdLen > checksumAt {
		panic("leaf node layout exceeds page size")
	}
}

// Encode serializes p into a fresh PageSize buffer.
func Encode(p Page) ([]byte, error) {
	buf := make([]byte, PageSize)
	if err := EncodeInto(buf, p); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeInto serializes p into buf, which must be PageSize bytes long.
func EncodeInto(buf []byte, p Page) error {
	if len(buf) != PageSize {
		return errors.Errorf("page buffer is %d bytes, want %d", len(buf), PageSize)
	}
	clear(buf)

	switch n := p.(type) {
	case *Header:
		buf[0] = byte(KindHeader)
		binary.LittleEndian.PutUint32(buf[4:8], headerMagic)
		binary.LittleEndian.PutUint32(buf[8:12], formatVersion)
		binary.LittleEndian.PutUint32(buf[12:16], uint32(n.RootOffset))
		binary.LittleEndian.PutUint32(buf[16:20], uint32(n.NextOffset))
		binary.LittleEndian.PutUint64(buf[20:28], n.CheckpointLSN)
		binary.LittleEndian.PutUint64(buf[28:36], n.IdCount)

	case *LeafNode:
		if len(n.Ids) > LeafCapacity {
			return errors.Errorf("leaf holds %d ids, capacity is %d", len(n.Ids), LeafCapacity)
		}
		buf[0] = byte(KindLeaf)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(n.Ids)))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(n.Left))
		binary.LittleEndian.PutUint32(buf[12:16], uint32(n.Right))
		for i, id := range n.Ids {
			id.PutBytes(buf[leafHeaderLen+i*IdLen:])
		}

	case *InternalNode:
		if len(n.Keys) > InternalCapacity {
			return errors.Errorf("internal node holds %d keys, capacity is %d", len(n.Keys), InternalCapacity)
		}
		if len(n.Children) != len(n.Keys)+1 {
			return errors.Errorf("internal node has %d keys and %d children", len(n.Keys), len(n.Children))
		}
		buf[0] = byte(KindInternal)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(n.Keys)))
		for i, key := range n.Keys {
			key.PutBytes(buf[internalHeaderLen+i*IdLen:])
		}
		for i, child := range n.Children {
			binary.LittleEndian.PutUint32(buf[internalChildrenAt+i*offsetLen:], uint32(child))
		}

	default:
		return errors.Errorf("cannot encode page of type %T", p)
	}

	binary.LittleEndian.PutUint64(buf[checksumAt:], xxhash.Sum64(buf[:checksumAt]))
	return nil
}

// Decode parses a PageSize buffer. An all-zero buffer is an unused page and
// decodes to (nil, nil). Anything else that is not a valid page returns an
// error wrapping ErrCorruptPage.
func Decode(buf []byte) (Page, error) {
	if len(buf) != PageSize {
		return nil, errors.Wrapf(ErrCorruptPage, "page is %d bytes", len(buf))
	}
	if isZero(buf) {
		return nil, nil
	}

	want := binary.LittleEndian.Uint64(buf[checksumAt:])
	if got := xxhash.Sum64(buf[:checksumAt]); got != want {
		return nil, errors.Wrapf(ErrCorruptPage, "checksum mismatch: stored %016x, computed %016x", want, got)
	}

	switch kind := PageKind(buf[0]); kind {
	case KindHeader:
		if magic := binary.LittleEndian.Uint32(buf[4:8]); magic != headerMagic {
			return nil, errors.Wrapf(ErrCorruptPage, "bad header magic %08x", magic)
		}
		if version := binary.LittleEndian.Uint32(buf[8:12]); version != formatVersion {
			return nil, errors.Wrapf(ErrCorruptPage, "unsupported format version %d", version)
		}
		return &Header{
			RootOffset:    PageOffset(binary.LittleEndian.Uint32(buf[12:16])),
			NextOffset:    PageOffset(binary.LittleEndian.Uint32(buf[16:20])),
			CheckpointLSN: binary.LittleEndian.Uint64(buf[20:28]),
			IdCount:       binary.LittleEndian.Uint64(buf[28:36]),
		}, nil

	case KindLeaf:
		count := int(binary.LittleEndian.Uint32(buf[4:8]))
		if count > LeafCapacity {
			return nil, errors.Wrapf(ErrCorruptPage, "leaf id count %d exceeds capacity", count)
		}
		n := &LeafNode{
			Left:  PageOffset(binary.LittleEndian.Uint32(buf[8:12])),
			Right: PageOffset(binary.LittleEndian.Uint32(buf[12:16])),
			Ids:   make([]Id, count, LeafCapacity+1),
		}
		for i := range n.Ids {
			n.Ids[i] = IdFromBytes(buf[leafHeaderLen+i*IdLen:])
		}
		return n, nil

	case KindInternal:
		count := int(binary.LittleEndian.Uint32(buf[4:8]))
		if count == 0 || count > InternalCapacity {
			return nil, errors.Wrapf(ErrCorruptPage, "internal key count %d out of range", count)
		}
		n := &InternalNode{
			Keys:     make([]Id, count, InternalCapacity+1),
			Children: make([]PageOffset, count+1, InternalCapacity+2),
		}
		for i := range n.Keys {
			n.Keys[i] = IdFromBytes(buf[internalHeaderLen+i*IdLen:])
		}
		for i := range n.Children {
			n.Children[i] = PageOffset(binary.LittleEndian.Uint32(buf[internalChildrenAt+i*offsetLen:]))
		}
		return n, nil

	default:
		return nil, errors.Wrapf(ErrCorruptPage, "unknown page kind %d", uint8(kind))
	}
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
