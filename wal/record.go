package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"idset/btree"
)

// Op is the set operation a record journals.
type Op uint8

const (
	OpInsert Op = 1
	OpDelete Op = 2
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Record is one journaled, state-changing set operation.
type Record struct {
	Op  Op
	LSN uint64
	Id  btree.Id
}

// Frame layout:
//
//	checksum u64 | length u32 | body[length]
//	body: op u8 | lsn u64 | id [16]byte
//
// The checksum is xxhash64 over length and body.
const (
	frameHeaderLen = 8 + 4
	bodyLen        = 1 + 8 + btree.IdLen
	frameLen       = frameHeaderLen + bodyLen
)

func appendFrame(dst []byte, r Record) []byte {
	var frame [frameLen]byte
	binary.LittleEndian.PutUint32(frame[8:12], bodyLen)
	body := frame[frameHeaderLen:]
	body[0] = byte(r.Op)
	binary.LittleEndian.PutUint64(body[1:9], r.LSN)
	r.Id.PutBytes(body[9:])
	binary.LittleEndian.PutUint64(frame[0:8], xxhash.Sum64(frame[8:]))
	return append(dst, frame[:]...)
}

// decodeFrame parses a complete frame. ok is false for a frame whose length,
// checksum or op is invalid.
func decodeFrame(header []byte, body []byte) (Record, bool) {
	d := xxhash.New()
	d.Write(header[8:12])
	d.Write(body)
	if d.Sum64() != binary.LittleEndian.Uint64(header[0:8]) {
		return Record{}, false
	}
	r := Record{
		Op:  Op(body[0]),
		LSN: binary.LittleEndian.Uint64(body[1:9]),
		Id:  btree.IdFromBytes(body[9:]),
	}
	if r.Op != OpInsert && r.Op != OpDelete {
		return Record{}, false
	}
	return r, true
}
