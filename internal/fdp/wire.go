package fdp

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the FDP frame's message-type tag.
type MsgType uint8

const (
	Announce MsgType = iota
	Request
	Data
)

func (m MsgType) String() string {
	switch m {
	case Announce:
		return "Announce"
	case Request:
		return "Request"
	case Data:
		return "Data"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(m))
	}
}

// ContentType is the fixed link driver content-type FDP frames ride on.
const ContentType uint16 = 3

const headerSize = 1 + 2 + 2 + 4 + 1 + 2 + 2 // type+chunk_size+chunks+fw_size+fw_type+fw_version+chunk_id

// Proto carries the three parameters every FDP message repeats so a
// listener can size buffers without a prior handshake.
type Proto struct {
	ChunkSize uint16
	Chunks    uint16
	FWSize    uint32
}

// Frame is a decoded FDP message.
type Frame struct {
	Type       MsgType
	Proto      Proto
	FWType     uint8
	FWVersion  uint16
	ChunkID    uint16
	Data       []byte // only populated for Data frames
}

// Encode serializes f. f.Proto.ChunkSize bounds how large a Data payload
// may be; callers are expected to have already sliced f.Data to at most
// f.Proto.ChunkSize bytes.
func Encode(f Frame) ([]byte, error) {
	if f.Type == Data && len(f.Data) > int(f.Proto.ChunkSize) {
		return nil, fmt.Errorf("fdp: data frame of %d bytes exceeds chunk size %d", len(f.Data), f.Proto.ChunkSize)
	}
	size := headerSize
	if f.Type == Data {
		size += len(f.Data)
	}
	buf := make([]byte, size)
	buf[0] = byte(f.Type)
	binary.LittleEndian.PutUint16(buf[1:3], f.Proto.ChunkSize)
	binary.LittleEndian.PutUint16(buf[3:5], f.Proto.Chunks)
	binary.LittleEndian.PutUint32(buf[5:9], f.Proto.FWSize)
	buf[9] = f.FWType
	binary.LittleEndian.PutUint16(buf[10:12], f.FWVersion)
	binary.LittleEndian.PutUint16(buf[12:14], f.ChunkID)
	if f.Type == Data {
		copy(buf[14:], f.Data)
	}
	return buf, nil
}

// Decode parses buf, returning an error on any frame too short to hold a
// full header; callers drop rather than propagate.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("fdp: short header (%d bytes)", len(buf))
	}
	f := Frame{
		Type: MsgType(buf[0]),
		Proto: Proto{
			ChunkSize: binary.LittleEndian.Uint16(buf[1:3]),
			Chunks:    binary.LittleEndian.Uint16(buf[3:5]),
			FWSize:    binary.LittleEndian.Uint32(buf[5:9]),
		},
		FWType:    buf[9],
		FWVersion: binary.LittleEndian.Uint16(buf[10:12]),
		ChunkID:   binary.LittleEndian.Uint16(buf[12:14]),
	}
	if f.Type == Data {
		f.Data = append([]byte(nil), buf[14:]...)
	}
	return f, nil
}
