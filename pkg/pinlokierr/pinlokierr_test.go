package pinlokierr

import (
	"errors"
	"testing"
)

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := Database("writer.connect", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to see through to the wrapped cause")
	}
	if got, want := err.Error(), "DatabaseError: writer.connect: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsAndRecoverable(t *testing.T) {
	tests := []struct {
		err         error
		kind        Kind
		recoverable bool
	}{
		{Database("op", nil), KindDatabase, true},
		{BinlogRead("op", nil), KindBinlogRead, false},
		{BinlogWrite("op", nil), KindBinlogWrite, false},
		{Encryption("op", nil), KindEncryption, false},
		{GtidNotFound("op", nil), KindGtidNotFound, false},
		{ChecksumDisabled("op"), KindChecksumDisabled, false},
	}
	for _, tt := range tests {
		if !Is(tt.err, tt.kind) {
			t.Errorf("Is(%v, %v) = false, want true", tt.err, tt.kind)
		}
		if got := Recoverable(tt.err); got != tt.recoverable {
			t.Errorf("Recoverable(%v) = %v, want %v", tt.err, got, tt.recoverable)
		}
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindDatabase) {
		t.Error("plain error should not match any Kind")
	}
}

func TestKindString(t *testing.T) {
	if KindEncryption.String() != "EncryptionError" {
		t.Errorf("KindEncryption.String() = %q", KindEncryption.String())
	}
}
