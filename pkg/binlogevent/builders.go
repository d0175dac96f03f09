package binlogevent

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/mariadb-corporation/pinloki/pkg/gtid"
)

// assemble builds a complete, checksummed Event: header + body + CRC32.
// timestamp and nextPos are caller-supplied so builders stay pure and
// deterministic under test; callers in filewriter/reader pass real
// clock and position values.
func assemble(typ uint8, serverID, timestamp, nextPos uint32, flags uint16, body []byte) *Event {
	eventLength := uint32(HeaderSize) + uint32(len(body)) + ChecksumSize
	raw := make([]byte, eventLength)
	h := Header{
		Timestamp:    timestamp,
		Type:         typ,
		ServerID:     serverID,
		EventLength:  eventLength,
		NextPosition: nextPos,
		Flags:        flags,
	}
	h.Encode(raw)
	copy(raw[HeaderSize:], body)
	crc := ComputeChecksum(raw[:len(raw)-ChecksumSize])
	binary.LittleEndian.PutUint32(raw[len(raw)-ChecksumSize:], crc)
	return &Event{Header: h, Raw: raw}
}

// BuildRotate synthesises a ROTATE_EVENT pointing a reader at
// (nextFile, position). kind controls whether LOG_EVENT_ARTIFICIAL_F is
// set: an artificial rotate redirects a reader without the upstream or
// writer actually having rolled the file (spec.md §4.1 build_rotate).
// An artificial rotate always carries timestamp 0, per spec.md §4.1.
func BuildRotate(serverID, timestamp uint32, position uint64, nextFile string, kind RotateKind) *Event {
	body := make([]byte, 8+len(nextFile))
	binary.LittleEndian.PutUint64(body[:8], position)
	copy(body[8:], nextFile)
	var flags uint16
	if kind == RotateArtificial {
		flags = FlagArtificial
		timestamp = 0
	}
	return assemble(RotateEvent, serverID, timestamp, 0, flags, body)
}

// BuildStop synthesises a STOP_EVENT, written when a binlog file is
// closed cleanly (e.g. on shutdown or ahead of a rotation it is not
// itself continuing).
func BuildStop(serverID, timestamp, nextPos uint32) *Event {
	return assemble(StopEvent, serverID, timestamp, nextPos, 0, nil)
}

// BuildGTIDList synthesises a GTID_LIST_EVENT carrying list, the form
// written at the head of every binlog file (after the format-description
// event and, when encrypting, the START_ENCRYPTION_EVENT) so a reader can resolve a requested
// GtidList to a file offset without replaying the whole file.
func BuildGTIDList(serverID, timestamp, nextPos uint32, list *gtid.List) *Event {
	gtids := list.Gtids()
	body := make([]byte, 4+len(gtids)*16)
	binary.LittleEndian.PutUint32(body[:4], uint32(len(gtids)))
	off := 4
	for _, g := range gtids {
		binary.LittleEndian.PutUint32(body[off:], g.Domain)
		binary.LittleEndian.PutUint32(body[off+4:], g.Server)
		binary.LittleEndian.PutUint64(body[off+8:], g.Sequence)
		off += 16
	}
	return assemble(GTIDListEvent, serverID, timestamp, nextPos, 0, body)
}

// BuildStartEncryption synthesises a START_ENCRYPTION_EVENT marking the
// point in a file after which every event is encrypted under
// keyVersion. The 12-byte nonce is drawn from crypto/rand and combined
// with each event's file offset to form the per-event IV (pkg/encrypt).
func BuildStartEncryption(serverID, timestamp, nextPos, keyVersion uint32) (*Event, error) {
	body := make([]byte, 1+4+12)
	body[0] = 1 // scheme version 1, the only one MariaDB's binlog encryption defines
	binary.LittleEndian.PutUint32(body[1:5], keyVersion)
	if _, err := rand.Read(body[5:17]); err != nil {
		return nil, fmt.Errorf("binlogevent: generate encryption nonce: %w", err)
	}
	return assemble(StartEncryptionEvent, serverID, timestamp, nextPos, 0, body), nil
}

// BuildHeartbeat synthesises a HEARTBEAT_EVENT naming the file a reader
// is (still) positioned in, sent on an idle connection so downstream
// readers can detect a stalled link (spec.md §4.8). Its timestamp is
// always 0, per spec.md §4.1 build_heartbeat.
func BuildHeartbeat(serverID uint32, filename string) *Event {
	return assemble(HeartbeatEvent, serverID, 0, MaxUint32Pos, FlagArtificial, []byte(filename))
}
