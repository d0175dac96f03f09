package reader

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/binlogevent"
	"github.com/mariadb-corporation/pinloki/pkg/filereader"
	"github.com/mariadb-corporation/pinloki/pkg/filewriter"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
)

func fdeBody() []byte { return make([]byte, 2+50+4+1) }

func fakeFDE(serverID, timestamp uint32) *binlogevent.Event {
	body := fdeBody()
	raw := make([]byte, binlogevent.HeaderSize+len(body)+binlogevent.ChecksumSize)
	h := binlogevent.Header{Timestamp: timestamp, Type: binlogevent.FormatDescriptionEvent, ServerID: serverID, EventLength: uint32(len(raw))}
	h.Encode(raw)
	copy(raw[binlogevent.HeaderSize:], body)
	crc := binlogevent.ComputeChecksum(raw[:len(raw)-4])
	raw[len(raw)-4], raw[len(raw)-3], raw[len(raw)-2], raw[len(raw)-1] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)
	ev, err := binlogevent.Parse(raw)
	if err != nil {
		panic(err)
	}
	return ev
}

func fakeGtidEvent(t *testing.T, domain uint32, seq uint64) *binlogevent.Event {
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
	body[12] = binlogevent.FlagStandalone

	raw := make([]byte, binlogevent.HeaderSize+len(body)+binlogevent.ChecksumSize)
	h := binlogevent.Header{Timestamp: 100, Type: binlogevent.GTIDEvent, ServerID: 1, EventLength: uint32(len(raw))}
	h.Encode(raw)
	copy(raw[binlogevent.HeaderSize:], body)
	crc := binlogevent.ComputeChecksum(raw[:len(raw)-4])
	raw[len(raw)-4], raw[len(raw)-3], raw[len(raw)-2], raw[len(raw)-1] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)
	ev, err := binlogevent.Parse(raw)
	if err != nil {
		t.Fatalf("Parse gtid event: %v", err)
	}
	return ev
}

func fakeQueryEvent(t *testing.T, stmt string) *binlogevent.Event {
	t.Helper()
	body := make([]byte, 4+4+1+2+2+1+len(stmt))
	copy(body[14:], stmt)
	raw := make([]byte, binlogevent.HeaderSize+len(body)+binlogevent.ChecksumSize)
	h := binlogevent.Header{Timestamp: 100, Type: binlogevent.QueryEvent, ServerID: 1, EventLength: uint32(len(raw))}
	h.Encode(raw)
	copy(raw[binlogevent.HeaderSize:], body)
	crc := binlogevent.ComputeChecksum(raw[:len(raw)-4])
	raw[len(raw)-4], raw[len(raw)-3], raw[len(raw)-2], raw[len(raw)-1] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)
	ev, err := binlogevent.Parse(raw)
	if err != nil {
		t.Fatalf("Parse query event: %v", err)
	}
	return ev
}

func writeFixture(t *testing.T, dir string, inv *inventory.Inventory, baseName string, events ...*binlogevent.Event) {
	t.Helper()
	w := filewriter.New(dir, filewriter.Config{ServerID: 1, BaseName: baseName}, inv, nil, zap.NewNop())
	if err := w.AddEvent(binlogevent.BuildRotate(1, 100, 0, baseName+".000001", binlogevent.RotateArtificial)); err != nil {
		t.Fatalf("seed rotate: %v", err)
	}
	if err := w.AddEvent(fakeFDE(1, 100)); err != nil {
		t.Fatalf("seed fde: %v", err)
	}
	for _, ev := range events {
		if err := w.AddEvent(ev); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// fakeState is a StateSource that always reports a fixed GtidList.
type fakeState struct{ list *gtid.List }

func (f fakeState) CurrentGtidList() *gtid.List { return f.list }

// fakeSender collects every event handed to it.
type fakeSender struct {
	mu   sync.Mutex
	sent []*binlogevent.Event
}

func (s *fakeSender) Send(ev *binlogevent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSender) types() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint8
	for _, ev := range s.sent {
		out = append(out, ev.Header.Type)
	}
	return out
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeBackPressure is toggled directly by the test.
type fakeBackPressure struct {
	mu       sync.Mutex
	asserted bool
}

func (b *fakeBackPressure) Asserted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.asserted
}

func (b *fakeBackPressure) set(v bool) {
	b.mu.Lock()
	b.asserted = v
	b.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestReaderStreamsFromValidStart(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New(dir)
	writeFixture(t, dir, inv, "pinloki", fakeGtidEvent(t, 0, 1), fakeQueryEvent(t, "COMMIT"))

	sender := &fakeSender{}
	bp := &fakeBackPressure{}
	r := New(dir, inv, gtid.NewList(), filereader.Config{ServerID: 1}, fakeState{gtid.NewList()},
		sender, bp, nil, Config{BatchBudget: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, time.Second, func() bool { return sender.count() >= 4 })
	cancel()

	got := sender.types()
	want := []uint8{binlogevent.RotateEvent, binlogevent.FormatDescriptionEvent, binlogevent.GTIDEvent, binlogevent.QueryEvent}
	if len(got) < len(want) {
		t.Fatalf("got %d events, want at least %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("got[%d] = %#x, want %#x (full: %v)", i, got[i], w, got)
		}
	}
}

func TestReaderWaitsForCatchupThenStreams(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New(dir)
	writeFixture(t, dir, inv, "pinloki", fakeGtidEvent(t, 0, 1), fakeQueryEvent(t, "COMMIT"))

	requested := gtid.NewList()
	requested.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 1})

	state := &atomicState{}
	state.set(gtid.NewList())

	sender := &fakeSender{}
	bp := &fakeBackPressure{}
	r := New(dir, inv, requested, filereader.Config{ServerID: 1}, state, sender, bp, nil,
		Config{BatchBudget: time.Millisecond, CatchupPoll: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, time.Second, func() bool { return r.State() == StateWaitForCatchup })

	caughtUp := gtid.NewList()
	caughtUp.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 1})
	state.set(caughtUp)

	waitFor(t, time.Second, func() bool { return sender.count() > 0 })
	cancel()
}

func TestReaderPausesOnBackPressure(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New(dir)
	writeFixture(t, dir, inv, "pinloki", fakeGtidEvent(t, 0, 1), fakeQueryEvent(t, "COMMIT"))

	sender := &fakeSender{}
	bp := &fakeBackPressure{}
	bp.set(true)
	r := New(dir, inv, gtid.NewList(), filereader.Config{ServerID: 1}, fakeState{gtid.NewList()},
		sender, bp, nil, Config{BatchBudget: time.Millisecond, PausePoll: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, time.Second, func() bool { return r.State() == StatePaused })
	if sender.count() != 0 {
		t.Fatalf("expected no events sent while back-pressure is asserted, got %d", sender.count())
	}

	bp.set(false)
	waitFor(t, time.Second, func() bool { return sender.count() > 0 })
	cancel()
}

func TestReaderAbortsOnFatalError(t *testing.T) {
	dir := t.TempDir()
	inv := inventory.New(dir) // empty datadir: resolvePosition will fail

	requested := gtid.NewList()
	requested.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 1})

	var aborted error
	var mu sync.Mutex
	abort := func(err error) {
		mu.Lock()
		aborted = err
		mu.Unlock()
	}

	sender := &fakeSender{}
	bp := &fakeBackPressure{}
	r := New(dir, inv, requested, filereader.Config{ServerID: 1}, fakeState{gtid.NewList()}, sender, bp, abort, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx)

	if r.State() != StateAborted {
		t.Fatalf("State() = %v, want Aborted", r.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if aborted == nil {
		t.Fatal("expected abort callback to fire with a non-nil error")
	}
}

// atomicState is a StateSource whose list can be updated concurrently,
// modelling the Writer's mutex-guarded current_gtid_list.
type atomicState struct {
	mu   sync.Mutex
	list *gtid.List
}

func (a *atomicState) CurrentGtidList() *gtid.List {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.list
}

func (a *atomicState) set(l *gtid.List) {
	a.mu.Lock()
	a.list = l
	a.mu.Unlock()
}
