package encrypt

import (
	"bytes"
	"testing"
)

func fakeEvent(eventLen uint32) []byte {
	b := make([]byte, eventLen)
	// timestamp
	b[0], b[1], b[2], b[3] = 1, 2, 3, 4
	b[4] = 0x04 // type: ROTATE_EVENT
	// server_id
	b[5], b[6], b[7], b[8] = 9, 9, 9, 9
	// event_length
	b[9] = byte(eventLen)
	b[10] = byte(eventLen >> 8)
	b[11] = byte(eventLen >> 16)
	b[12] = byte(eventLen >> 24)
	for i := 13; i < len(b); i++ {
		b[i] = byte(i)
	}
	return b
}

// TestRoundTrip checks spec.md §8 property 2: decrypt(encrypt(x, p), p) == x.
func TestRoundTrip(t *testing.T) {
	key16 := bytes.Repeat([]byte{0x42}, 16)
	key32 := bytes.Repeat([]byte{0x24}, 32)
	var nonce [12]byte
	copy(nonce[:], "abcdefghijkl")

	modes := []struct {
		name string
		mode Cipher
		key  []byte
	}{
		{"CBC", CipherCBC, key16},
		{"CTR", CipherCTR, key16},
		{"GCM", CipherGCM, key32},
	}

	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			ctx, err := NewCtx(m.mode, m.key, nonce)
			if err != nil {
				t.Fatalf("NewCtx: %v", err)
			}
			plain := fakeEvent(37)
			for _, pos := range []uint32{0, 4, 1 << 20, 0xFFFFFF} {
				ct, err := ctx.Encrypt(plain, pos)
				if err != nil {
					t.Fatalf("Encrypt(pos=%d): %v", pos, err)
				}
				got, err := ctx.Decrypt(ct, pos)
				if err != nil {
					t.Fatalf("Decrypt(pos=%d): %v", pos, err)
				}
				if !bytes.Equal(got, plain) {
					t.Fatalf("pos=%d: round trip mismatch:\n got  %x\n want %x", pos, got, plain)
				}
			}
		})
	}
}

func TestEncryptObscuresPlaintext(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	var nonce [12]byte
	ctx, err := NewCtx(CipherCTR, key, nonce)
	if err != nil {
		t.Fatalf("NewCtx: %v", err)
	}
	plain := fakeEvent(40)
	ct, err := ctx.Encrypt(plain, 100)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ct[4:13], plain[4:13]) {
		t.Error("ciphertext type/server_id bytes should not equal plaintext")
	}
}

func TestGCMDetectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, 32)
	var nonce [12]byte
	ctx, err := NewCtx(CipherGCM, key, nonce)
	if err != nil {
		t.Fatalf("NewCtx: %v", err)
	}
	plain := fakeEvent(30)
	ct, err := ctx.Encrypt(plain, 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := ctx.Decrypt(ct, 0); err == nil {
		t.Fatal("expected GCM authentication failure on tampered ciphertext")
	}
}

func TestDifferentPositionsProduceDifferentCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x77}, 16)
	var nonce [12]byte
	ctx, err := NewCtx(CipherCTR, key, nonce)
	if err != nil {
		t.Fatalf("NewCtx: %v", err)
	}
	plain := fakeEvent(30)
	a, _ := ctx.Encrypt(plain, 10)
	b, _ := ctx.Encrypt(plain, 20)
	if bytes.Equal(a, b) {
		t.Error("encrypting at different file offsets should change the output")
	}
}

func TestParseCipher(t *testing.T) {
	tests := []struct {
		in      string
		want    Cipher
		wantErr bool
	}{
		{"AES_CBC", CipherCBC, false},
		{"AES_CTR", CipherCTR, false},
		{"AES_GCM", CipherGCM, false},
		{"AES_ROT13", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCipher(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCipher(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseCipher(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
