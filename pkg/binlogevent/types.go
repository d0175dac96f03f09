// Package binlogevent implements the MariaDB binlog event wire format:
// the fixed 19-byte header, CRC32 checksum discipline, the small family
// of typed event bodies the core must decode or synthesise, and the
// magic-prefixed binlog file framing built on top of them.
//
// The codec is format-preserving, not format-interpreting: row and
// table-map event bodies are carried as opaque bytes (spec.md §1
// non-goal), only the events the core needs to act on are typed.
package binlogevent

// Event type codes, as laid out on the wire. MariaDB reuses the MySQL
// event numbering and adds its own block starting at 160 (0xA0).
const (
	UnknownEvent           = 0x00
	QueryEvent             = 0x02
	StopEvent              = 0x03
	RotateEvent            = 0x04
	FormatDescriptionEvent = 0x0f
	XIDEvent               = 0x10
	HeartbeatEvent         = 0x1b
	TableMapEvent          = 0x13

	// Row-body events: pinloki never interprets these beyond recognising
	// the type code, either to relay them opaquely or, in ddl_only mode,
	// to drop them (spec.md §4.7).
	WriteRowsEventV1  = 0x17
	UpdateRowsEventV1 = 0x18
	DeleteRowsEventV1 = 0x19
	WriteRowsEventV2  = 0x1e
	UpdateRowsEventV2 = 0x1f
	DeleteRowsEventV2 = 0x20

	// MariaDB-specific events.
	AnnotateRowsEvent     = 0xa0
	BinlogCheckpointEvent = 0xa1
	GTIDEvent             = 0xa2
	GTIDListEvent         = 0xa3
	StartEncryptionEvent  = 0xa4
)

// IsRowEvent reports whether t is one of the row-body event types:
// TABLE_MAP, the v1/v2 WRITE/UPDATE/DELETE_ROWS family, or MariaDB's
// ANNOTATE_ROWS. ddl_only filtering uses this to drop row changes while
// keeping DDL and its framing intact.
func IsRowEvent(t uint8) bool {
	switch t {
	case TableMapEvent, WriteRowsEventV1, UpdateRowsEventV1, DeleteRowsEventV1,
		WriteRowsEventV2, UpdateRowsEventV2, DeleteRowsEventV2, AnnotateRowsEvent:
		return true
	default:
		return false
	}
}

// Header-flag bits (event_header.flags), per the standard binlog header.
const (
	FlagArtificial uint16 = 0x0020
)

// GTID_EVENT flag bits (body byte, not the header flags).
const (
	FlagStandalone    uint8 = 0x01
	FlagGroupCommitID uint8 = 0x02
	FlagTransactional uint8 = 0x04
	FlagAllowParallel uint8 = 0x08
	FlagWaited        uint8 = 0x10
	FlagDDL           uint8 = 0x20
)

// RotateKind distinguishes a rotate written because the upstream/writer
// genuinely rolled the file from one synthesised purely to redirect a
// reader (§4.1 build_rotate).
type RotateKind int

const (
	RotateReal RotateKind = iota
	RotateArtificial
)

// HeaderSize is the fixed size of the binlog event header.
const HeaderSize = 19

// ChecksumSize is the size of the trailing CRC32, when present.
const ChecksumSize = 4

// Magic is the 4-byte prefix that opens every binlog file.
var Magic = [4]byte{0xfe, 0x62, 0x69, 0x6e}

// MaxUint32Pos is the sentinel next_event_pos carried by HEARTBEAT
// events, and the point beyond which next_event_pos can no longer be
// trusted as a file offset (spec.md §3 BinlogEvent invariants).
const MaxUint32Pos = 0xFFFFFFFF
