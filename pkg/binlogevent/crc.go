package binlogevent

import "hash/crc32"

// checksumTable is the classic IEEE/zlib CRC32 polynomial MariaDB uses
// for event checksums, seeded at 0 per event (not chained across events).
var checksumTable = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes the CRC32 MariaDB would append to an event
// whose header+body (everything but the trailing 4 checksum bytes) is
// data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, checksumTable)
}

// hasValidChecksum reports whether the last 4 bytes of raw are a CRC32
// of the bytes preceding them. This probe is how every checksum-presence
// decision in the package is made (WithChecksum, Checksum, Reframe); the
// format description event's checksum setting is not consulted.
func hasValidChecksum(raw []byte) bool {
	if len(raw) < HeaderSize+ChecksumSize {
		return false
	}
	n := len(raw) - ChecksumSize
	want := le32(raw[n:])
	return ComputeChecksum(raw[:n]) == want
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
