package writer

import (
	"testing"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/binlogevent"
	"github.com/mariadb-corporation/pinloki/pkg/filewriter"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

func buildEvent(t *testing.T, typ uint8, serverID uint32, body []byte) *binlogevent.Event {
	t.Helper()
	raw := make([]byte, binlogevent.HeaderSize+len(body)+binlogevent.ChecksumSize)
	h := binlogevent.Header{Timestamp: 100, Type: typ, ServerID: serverID, EventLength: uint32(len(raw))}
	h.Encode(raw)
	copy(raw[binlogevent.HeaderSize:], body)
	crc := binlogevent.ComputeChecksum(raw[:len(raw)-4])
	raw[len(raw)-4], raw[len(raw)-3], raw[len(raw)-2], raw[len(raw)-1] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)
	ev, err := binlogevent.Parse(raw)
	if err != nil {
		t.Fatalf("Parse type %#x: %v", typ, err)
	}
	return ev
}

// fdeEvent builds a FORMAT_DESCRIPTION_EVENT whose body carries a
// trailing checksum-algorithm byte (algo), as go-mysql hands pinloki
// over the wire.
func fdeEvent(t *testing.T, serverID uint32, algo byte) *binlogevent.Event {
	t.Helper()
	body := make([]byte, 2+50+4+1+1)
	body[len(body)-1] = algo
	return buildEvent(t, binlogevent.FormatDescriptionEvent, serverID, body)
}

func gtidEvent(t *testing.T, serverID, domain uint32, seq uint64, flags uint8) *binlogevent.Event {
	t.Helper()
	body := make([]byte, 13)
	body[0] = byte(seq)
	body[1] = byte(seq >> 8)
	body[2] = byte(seq >> 16)
	body[3] = byte(seq >> 24)
	body[4] = byte(seq >> 32)
	body[5] = byte(seq >> 40)
	body[6] = byte(seq >> 48)
	body[7] = byte(seq >> 56)
	body[8] = byte(domain)
	body[9] = byte(domain >> 8)
	body[10] = byte(domain >> 16)
	body[11] = byte(domain >> 24)
	body[12] = flags
	return buildEvent(t, binlogevent.GTIDEvent, serverID, body)
}

func queryEvent(t *testing.T, serverID uint32, stmt string) *binlogevent.Event {
	t.Helper()
	body := make([]byte, 4+4+1+2+2+1+len(stmt))
	copy(body[14:], stmt)
	return buildEvent(t, binlogevent.QueryEvent, serverID, body)
}

func xidEvent(t *testing.T, serverID uint32) *binlogevent.Event {
	t.Helper()
	return buildEvent(t, binlogevent.XIDEvent, serverID, make([]byte, 8))
}

func newTestWriter(t *testing.T) (*Writer, *filewriter.FileWriter, string) {
	t.Helper()
	dir := t.TempDir()
	inv := inventory.New(dir)
	fw := filewriter.New(dir, filewriter.Config{ServerID: 1, BaseName: "pinloki"}, inv, nil, zap.NewNop())
	w, err := New(dir, Config{}, fw, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, fw, dir
}

func TestHandleEventRejectsChecksumDisabled(t *testing.T) {
	w, _, _ := newTestWriter(t)
	err := w.handleEvent(fdeEvent(t, 1, binlogevent.ChecksumNone))
	if !pinlokierr.Is(err, pinlokierr.KindChecksumDisabled) {
		t.Fatalf("expected ChecksumDisabled error, got %v", err)
	}
}

func TestHandleEventRowBasedTransactionCommitsOnXID(t *testing.T) {
	w, _, dir := newTestWriter(t)
	mustHandle := func(ev *binlogevent.Event) {
		t.Helper()
		if err := w.handleEvent(ev); err != nil {
			t.Fatalf("handleEvent(%#x): %v", ev.Header.Type, err)
		}
	}
	mustHandle(fdeEvent(t, 1, binlogevent.ChecksumCRC32))
	mustHandle(gtidEvent(t, 1, 0, 1, 0))
	mustHandle(xidEvent(t, 1))

	got, err := loadRplState(dir)
	if err != nil {
		t.Fatalf("loadRplState: %v", err)
	}
	want := gtid.NewList()
	want.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 1})
	if !got.Equal(want) {
		t.Errorf("rpl_state = %q, want %q", got, want)
	}
}

func TestHandleEventStandaloneDDLCommitsOnQuery(t *testing.T) {
	w, _, dir := newTestWriter(t)
	mustHandle := func(ev *binlogevent.Event) {
		t.Helper()
		if err := w.handleEvent(ev); err != nil {
			t.Fatalf("handleEvent(%#x): %v", ev.Header.Type, err)
		}
	}
	mustHandle(fdeEvent(t, 1, binlogevent.ChecksumCRC32))
	mustHandle(gtidEvent(t, 1, 0, 5, binlogevent.FlagStandalone|binlogevent.FlagDDL))

	// Before the DDL statement arrives, rpl_state must not yet reflect
	// sequence 5 — the transaction isn't durable until the query commits.
	before, _ := loadRplState(dir)
	if before.Len() != 0 {
		t.Fatalf("rpl_state advanced before the standalone query committed: %q", before)
	}

	mustHandle(queryEvent(t, 1, "CREATE TABLE t (id INT)"))

	got, err := loadRplState(dir)
	if err != nil {
		t.Fatalf("loadRplState: %v", err)
	}
	want := gtid.NewList()
	want.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 5})
	if !got.Equal(want) {
		t.Errorf("rpl_state = %q, want %q", got, want)
	}
}

func TestHandleEventStatementBasedCommitsOnCommitQuery(t *testing.T) {
	w, _, dir := newTestWriter(t)
	mustHandle := func(ev *binlogevent.Event) {
		t.Helper()
		if err := w.handleEvent(ev); err != nil {
			t.Fatalf("handleEvent(%#x): %v", ev.Header.Type, err)
		}
	}
	mustHandle(fdeEvent(t, 1, binlogevent.ChecksumCRC32))
	mustHandle(gtidEvent(t, 1, 0, 9, 0))
	mustHandle(queryEvent(t, 1, "BEGIN"))

	before, _ := loadRplState(dir)
	if before.Len() != 0 {
		t.Fatalf("rpl_state advanced before COMMIT: %q", before)
	}

	mustHandle(queryEvent(t, 1, "INSERT INTO t VALUES (1)"))
	mustHandle(queryEvent(t, 1, "COMMIT"))

	got, err := loadRplState(dir)
	if err != nil {
		t.Fatalf("loadRplState: %v", err)
	}
	want := gtid.NewList()
	want.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 9})
	if !got.Equal(want) {
		t.Errorf("rpl_state = %q, want %q", got, want)
	}
}

func TestSetGtidSlavePosRejectsTimeTravel(t *testing.T) {
	w, _, dir := newTestWriter(t)
	ahead := gtid.NewList()
	ahead.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 10})
	if err := saveRplState(dir, ahead); err != nil {
		t.Fatalf("saveRplState: %v", err)
	}
	w.current = ahead.Clone()

	behind := gtid.NewList()
	behind.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 3})
	if err := w.SetGtidSlavePos(behind); err == nil {
		t.Fatal("expected time-travel rejection, got nil")
	}
}

func TestSetGtidSlavePosAcceptsAdvance(t *testing.T) {
	w, _, _ := newTestWriter(t)
	ahead := gtid.NewList()
	ahead.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 10})
	if err := w.SetGtidSlavePos(ahead); err != nil {
		t.Fatalf("SetGtidSlavePos: %v", err)
	}
	if !w.current.Equal(ahead) {
		t.Errorf("current = %q, want %q", w.current, ahead)
	}
}
