package binlogevent

import (
	"fmt"
	"strings"

	"github.com/mariadb-corporation/pinloki/pkg/gtid"
)

// Rotate is the decoded body of a ROTATE_EVENT: the position and file
// name a reader should continue from.
type Rotate struct {
	Position int64
	NextFile string
}

// DecodeRotate decodes a ROTATE_EVENT body. Its header carries
// event_length but, depending on checksum policy, the position field
// may be followed by either a CRC32 or raw EOF; the caller has already
// resolved checksum presence via WithChecksum.
func DecodeRotate(body []byte) (Rotate, error) {
	r := newBodyReader(body)
	pos := r.int8()
	name := r.bytesEOF()
	if err := r.finish(); err != nil {
		return Rotate{}, err
	}
	return Rotate{Position: int64(pos), NextFile: string(name)}, nil
}

// GTIDEventBody is the decoded body of a GTID_EVENT: the sequence
// number and flags for the transaction that follows.
type GTIDEventBody struct {
	SequenceNumber uint64
	DomainID       uint32
	Flags          uint8
	CommitID       uint64 // valid only when Flags&FlagGroupCommitID != 0
}

// DecodeGTIDEvent decodes a GTID_EVENT body.
func DecodeGTIDEvent(body []byte) (GTIDEventBody, error) {
	r := newBodyReader(body)
	seq := r.int8()
	domain := r.int4()
	flags := r.int1()
	var commitID uint64
	if flags&FlagGroupCommitID != 0 {
		commitID = r.int8()
	}
	if err := r.finish(); err != nil {
		return GTIDEventBody{}, err
	}
	return GTIDEventBody{SequenceNumber: seq, DomainID: domain, Flags: flags, CommitID: commitID}, nil
}

// Gtid renders the event body as a gtid.Gtid, given the server_id
// carried in the enclosing event header (the GTID triple's server
// component is the originating server, not the wire server_id field
// necessarily, but pinloki treats them as one: MariaDB sets both from
// the same @@server_id on the primary that created the transaction).
func (b GTIDEventBody) Gtid(serverID uint32) gtid.Gtid {
	return gtid.Gtid{Domain: b.DomainID, Server: serverID, Sequence: b.SequenceNumber}
}

// DecodeGTIDList decodes a GTID_LIST_EVENT body into a gtid.List.
func DecodeGTIDList(body []byte) (*gtid.List, error) {
	r := newBodyReader(body)
	count := r.int4()
	const countMask = 0x00FFFFFF // top byte is reserved flags, per MariaDB wire layout
	n := count & countMask
	out := gtid.NewList()
	for i := uint32(0); i < n; i++ {
		domain := r.int4()
		server := r.int4()
		seq := r.int8()
		if r.err != nil {
			break
		}
		out.Replace(gtid.Gtid{Domain: domain, Server: server, Sequence: seq})
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatDescription is the decoded body of a FORMAT_DESCRIPTION_EVENT.
type FormatDescription struct {
	BinlogVersion          uint16
	ServerVersion          string
	CreateTimestamp        uint32
	EventHeaderLength      uint8
	EventTypeHeaderLengths []byte
	ChecksumAlgorithm      uint8 // trailing byte, 0 = none, 1 = CRC32
}

const (
	ChecksumNone  = 0
	ChecksumCRC32 = 1
)

// DecodeFormatDescription decodes a FORMAT_DESCRIPTION_EVENT body. The
// checksum-algorithm byte, when present, is the last byte of the body
// before any CRC32 trailer — callers pass the already-checksum-stripped
// body when hasChecksum is true.
func DecodeFormatDescription(body []byte, hasChecksum bool) (FormatDescription, error) {
	r := newBodyReader(body)
	fd := FormatDescription{}
	fd.BinlogVersion = r.int2()
	fd.ServerVersion = strings.TrimRight(string(r.bytes(50)), "\x00")
	fd.CreateTimestamp = r.int4()
	fd.EventHeaderLength = r.int1()
	rest := r.bytesEOF()
	if err := r.finish(); err != nil {
		return FormatDescription{}, err
	}
	if hasChecksum && len(rest) > 0 {
		fd.ChecksumAlgorithm = rest[len(rest)-1]
		rest = rest[:len(rest)-1]
	}
	fd.EventTypeHeaderLengths = rest
	return fd, nil
}

// StartEncryption is the decoded body of a START_ENCRYPTION_EVENT.
type StartEncryption struct {
	SchemeVersion uint8
	KeyVersion    uint32
	Nonce         [12]byte
}

// DecodeStartEncryption decodes a START_ENCRYPTION_EVENT body.
func DecodeStartEncryption(body []byte) (StartEncryption, error) {
	r := newBodyReader(body)
	se := StartEncryption{}
	se.SchemeVersion = r.int1()
	se.KeyVersion = r.int4()
	nonce := r.bytes(12)
	if err := r.finish(); err != nil {
		return StartEncryption{}, err
	}
	copy(se.Nonce[:], nonce)
	return se, nil
}

// Query is the decoded body of a QUERY_EVENT, trimmed to the fields
// pinloki actually inspects: it never interprets the SQL beyond
// detecting a bare COMMIT.
type Query struct {
	SlaveProxyID  uint32
	ExecutionTime uint32
	SchemaLength  uint8
	ErrorCode     uint16
	StatusVarsLen uint16
	Schema        string
	Statement     string
}

// DecodeQuery decodes the QUERY_EVENT body carried by e.
func DecodeQuery(e *Event) (Query, error) {
	body, _ := e.WithChecksum()
	r := newBodyReader(body)
	q := Query{}
	q.SlaveProxyID = r.int4()
	q.ExecutionTime = r.int4()
	q.SchemaLength = r.int1()
	q.ErrorCode = r.int2()
	q.StatusVarsLen = r.int2()
	r.skip(int(q.StatusVarsLen))
	q.Schema = string(r.bytes(int(q.SchemaLength)))
	r.skip(1) // NUL terminator after schema
	q.Statement = string(r.bytesEOF())
	if err := r.finish(); err != nil {
		return Query{}, fmt.Errorf("binlogevent: decode QUERY_EVENT: %w", err)
	}
	return q, nil
}

// IsCommit reports whether the statement is a bare COMMIT, the
// signal pinloki uses (alongside XID_EVENT) to close a transaction
// buffer during write (spec.md §4.1, §4.7).
func (q Query) IsCommit() bool {
	return strings.EqualFold(strings.TrimSpace(strings.TrimSuffix(q.Statement, ";")), "COMMIT")
}
