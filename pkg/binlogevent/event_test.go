package binlogevent

import (
	"bytes"
	"testing"

	"github.com/mariadb-corporation/pinloki/pkg/gtid"
)

// TestBuildParseRoundTrip checks spec.md §8 property 1: every builder's
// output parses back to an event of the same type whose checksum
// validates and whose typed body matches what went in.
func TestBuildParseRoundTrip(t *testing.T) {
	t.Run("rotate", func(t *testing.T) {
		ev := BuildRotate(1, 100, 4, "pinloki.000002", RotateReal)
		got, err := Parse(ev.Raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got.Header.Type != RotateEvent {
			t.Fatalf("type = %#x, want ROTATE_EVENT", got.Header.Type)
		}
		body, ok := got.WithChecksum()
		if !ok {
			t.Fatal("expected valid checksum")
		}
		rot, err := DecodeRotate(body)
		if err != nil {
			t.Fatalf("DecodeRotate: %v", err)
		}
		if rot.Position != 4 || rot.NextFile != "pinloki.000002" {
			t.Errorf("got %+v", rot)
		}
		if got.Header.IsArtificial() {
			t.Error("RotateReal should not set the artificial flag")
		}
	})

	t.Run("rotate artificial", func(t *testing.T) {
		ev := BuildRotate(1, 100, 0, "pinloki.000001", RotateArtificial)
		if !ev.Header.IsArtificial() {
			t.Error("RotateArtificial should set the artificial flag")
		}
		if ev.Header.Timestamp != 0 {
			t.Errorf("Timestamp = %d, want 0 (spec.md §4.1 build_rotate, Artificial)", ev.Header.Timestamp)
		}
	})

	t.Run("gtid list", func(t *testing.T) {
		list := gtid.NewList()
		list.Replace(gtid.Gtid{Domain: 0, Server: 1, Sequence: 10})
		list.Replace(gtid.Gtid{Domain: 2, Server: 1, Sequence: 99})
		ev := BuildGTIDList(1, 100, 4, list)
		got, err := Parse(ev.Raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		body, ok := got.WithChecksum()
		if !ok {
			t.Fatal("expected valid checksum")
		}
		decoded, err := DecodeGTIDList(body)
		if err != nil {
			t.Fatalf("DecodeGTIDList: %v", err)
		}
		if !decoded.Equal(list) {
			t.Errorf("decoded %v, want %v", decoded, list)
		}
	})

	t.Run("start encryption", func(t *testing.T) {
		ev, err := BuildStartEncryption(1, 100, 4, 7)
		if err != nil {
			t.Fatalf("BuildStartEncryption: %v", err)
		}
		got, err := Parse(ev.Raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		body, ok := got.WithChecksum()
		if !ok {
			t.Fatal("expected valid checksum")
		}
		se, err := DecodeStartEncryption(body)
		if err != nil {
			t.Fatalf("DecodeStartEncryption: %v", err)
		}
		if se.KeyVersion != 7 {
			t.Errorf("KeyVersion = %d, want 7", se.KeyVersion)
		}
		var zero [12]byte
		if se.Nonce == zero {
			t.Error("nonce should not be all zero")
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		ev := BuildHeartbeat(1, "pinloki.000003")
		got, err := Parse(ev.Raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got.Header.NextPosition != MaxUint32Pos {
			t.Errorf("NextPosition = %d, want sentinel", got.Header.NextPosition)
		}
		if got.Header.Timestamp != 0 {
			t.Errorf("Timestamp = %d, want 0 (spec.md §4.1 build_heartbeat)", got.Header.Timestamp)
		}
		if !got.Header.IsArtificial() {
			t.Error("heartbeat should set the artificial flag (spec.md §8 property 9)")
		}
		body, _ := got.WithChecksum()
		if string(body) != "pinloki.000003" {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("stop", func(t *testing.T) {
		ev := BuildStop(1, 100, 500)
		got, err := Parse(ev.Raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got.Header.Type != StopEvent {
			t.Errorf("type = %#x", got.Header.Type)
		}
	})
}

func TestHasValidChecksumDetectsCorruption(t *testing.T) {
	ev := BuildRotate(1, 100, 4, "pinloki.000002", RotateReal)
	raw := append([]byte(nil), ev.Raw...)
	if !hasValidChecksum(raw) {
		t.Fatal("expected checksum to validate before corruption")
	}
	raw[len(raw)-1] ^= 0xff
	if hasValidChecksum(raw) {
		t.Fatal("expected checksum to fail to validate after corruption")
	}
}

func TestParseHeaderRejectsShortInput(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestParseRejectsTruncatedEvent(t *testing.T) {
	ev := BuildStop(1, 100, 0)
	if _, err := Parse(ev.Raw[:len(ev.Raw)-1]); err == nil {
		t.Fatal("expected error for truncated event")
	}
}

func TestQueryIsCommit(t *testing.T) {
	tests := []struct {
		stmt string
		want bool
	}{
		{"COMMIT", true},
		{"commit", true},
		{" COMMIT ;", true},
		{"BEGIN", false},
		{"INSERT INTO t VALUES (1)", false},
	}
	for _, tt := range tests {
		q := Query{Statement: tt.stmt}
		if got := q.IsCommit(); got != tt.want {
			t.Errorf("Query{%q}.IsCommit() = %v, want %v", tt.stmt, got, tt.want)
		}
	}
}

func TestReframeRewritesPositionAndChecksum(t *testing.T) {
	ev := BuildStop(1, 100, 0)
	raw := ev.Reframe(4096)
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Header.NextPosition != 4096 {
		t.Errorf("NextPosition = %d, want 4096", got.Header.NextPosition)
	}
	if _, ok := got.WithChecksum(); !ok {
		t.Error("expected checksum to validate after Reframe")
	}
}

func TestEventBodyIncludesChecksumBytes(t *testing.T) {
	ev := BuildStop(1, 100, 0)
	if !bytes.Equal(ev.Body(), ev.Raw[HeaderSize:]) {
		t.Error("Body() should return everything after the header")
	}
}
