package binlogevent

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed 19-byte prefix every binlog event carries on the
// wire: timestamp(4) | type(1) | server_id(4) | event_length(4) |
// next_event_pos(4) | flags(2).
type Header struct {
	Timestamp    uint32
	Type         uint8
	ServerID     uint32
	EventLength  uint32
	NextPosition uint32
	Flags        uint16
}

// ParseHeader reads a Header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("binlogevent: short header: %d bytes, want %d", len(b), HeaderSize)
	}
	h := Header{
		Timestamp:    binary.LittleEndian.Uint32(b[0:4]),
		Type:         b[4],
		ServerID:     binary.LittleEndian.Uint32(b[5:9]),
		EventLength:  binary.LittleEndian.Uint32(b[9:13]),
		NextPosition: binary.LittleEndian.Uint32(b[13:17]),
		Flags:        binary.LittleEndian.Uint16(b[17:19]),
	}
	if h.EventLength < HeaderSize {
		return Header{}, fmt.Errorf("binlogevent: event_length %d smaller than header", h.EventLength)
	}
	return h, nil
}

// Encode writes h into the first HeaderSize bytes of b. b must be at
// least HeaderSize long.
func (h Header) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Timestamp)
	b[4] = h.Type
	binary.LittleEndian.PutUint32(b[5:9], h.ServerID)
	binary.LittleEndian.PutUint32(b[9:13], h.EventLength)
	binary.LittleEndian.PutUint32(b[13:17], h.NextPosition)
	binary.LittleEndian.PutUint16(b[17:19], h.Flags)
}

// IsArtificial reports whether the header carries LOG_EVENT_ARTIFICIAL_F.
func (h Header) IsArtificial() bool {
	return h.Flags&FlagArtificial != 0
}

// BodyLength is the number of bytes following the header, including any
// trailing checksum: event_length - HeaderSize.
func (h Header) BodyLength() uint32 {
	return h.EventLength - HeaderSize
}
