package binlogevent

import (
	"encoding/binary"
	"fmt"
)

// Event is a single binlog event exactly as it appears on the wire or
// in a file: the parsed header plus the raw bytes that follow it
// (body and, when present, the trailing 4-byte CRC32). The core never
// re-encodes events it merely relays — Raw is always the authoritative
// byte-for-byte representation; the typed accessors below decode
// selected fields out of it lazily, without mutating Raw.
type Event struct {
	Header Header
	Raw    []byte // header + body (+ checksum, if present), event_length bytes total
}

// Parse reads one event from the front of b. b may contain more than
// one event; only the first event_length bytes are consumed.
func Parse(b []byte) (*Event, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if uint32(len(b)) < h.EventLength {
		return nil, fmt.Errorf("binlogevent: truncated event: have %d bytes, want %d", len(b), h.EventLength)
	}
	return &Event{Header: h, Raw: b[:h.EventLength]}, nil
}

// Body returns the bytes following the header, including the trailing
// checksum if one is present.
func (e *Event) Body() []byte {
	return e.Raw[HeaderSize:]
}

// WithChecksum reports whether the last 4 bytes of the event are a
// valid CRC32 over the rest of the event, and returns the body with
// those bytes stripped off either way.
func (e *Event) WithChecksum() (body []byte, hasChecksum bool) {
	if hasValidChecksum(e.Raw) {
		return e.Raw[HeaderSize : len(e.Raw)-ChecksumSize], true
	}
	return e.Body(), false
}

// Checksum returns the trailing CRC32, if the event carries one.
func (e *Event) Checksum() (uint32, bool) {
	if !hasValidChecksum(e.Raw) {
		return 0, false
	}
	return le32(e.Raw[len(e.Raw)-ChecksumSize:]), true
}

// Reframe returns a copy of e.Raw with next_event_pos rewritten to
// nextPos and the trailing CRC32 recomputed to match, if one was
// present. The FileWriter calls this on every event it frames (all but
// the STOP, ROTATE and BINLOG_CHECKPOINT events it writes directly) to
// rewrite its position to the real file offset it will occupy before
// persisting it (spec.md §4.6).
func (e *Event) Reframe(nextPos uint32) []byte {
	out := append([]byte(nil), e.Raw...)
	binary.LittleEndian.PutUint32(out[13:17], nextPos)
	if hasValidChecksum(e.Raw) {
		n := len(out) - ChecksumSize
		crc := ComputeChecksum(out[:n])
		binary.LittleEndian.PutUint32(out[n:], crc)
	}
	return out
}

// IsCommit reports whether this event ends a transaction: XID events
// always do, QUERY events carrying a literal "COMMIT" statement do too
// (spec.md §4.1 commit detection).
func (e *Event) IsCommit() bool {
	switch e.Header.Type {
	case XIDEvent:
		return true
	case QueryEvent:
		q, err := DecodeQuery(e)
		return err == nil && q.IsCommit()
	default:
		return false
	}
}
