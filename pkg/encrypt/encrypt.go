// Package encrypt implements EncryptCtx: per-event symmetric encryption
// of binlog events at rest, framed the way the MariaDB server frames
// them so an encrypted pinloki file is byte-compatible with one a real
// server would have written.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Cipher selects the block-cipher mode used for the lifetime of a file.
// The mode never changes mid-file (spec.md §4.2): a file is either
// plaintext throughout, or encrypted with one fixed mode from the
// START_ENCRYPTION_EVENT onward.
type Cipher int

const (
	CipherCBC Cipher = iota
	CipherCTR
	CipherGCM
)

func (c Cipher) String() string {
	switch c {
	case CipherCBC:
		return "AES_CBC"
	case CipherCTR:
		return "AES_CTR"
	case CipherGCM:
		return "AES_GCM"
	default:
		return "unknown"
	}
}

// ParseCipher parses a configured cipher name (as found in pinloki's
// configuration, §5 "encryption_cipher").
func ParseCipher(s string) (Cipher, error) {
	switch s {
	case "AES_CBC":
		return CipherCBC, nil
	case "AES_CTR":
		return CipherCTR, nil
	case "AES_GCM":
		return CipherGCM, nil
	default:
		return 0, fmt.Errorf("encrypt: unknown cipher %q", s)
	}
}

// Ctx is one EncryptCtx: a fixed cipher mode, key and IV base for the
// lifetime of a single binlog file.
type Ctx struct {
	mode   Cipher
	block  cipher.Block
	gcm    cipher.AEAD // only set when mode == CipherGCM
	ivBase [16]byte    // ivBase[0:4] is overwritten per event with the file offset
}

// NewCtx builds an EncryptCtx from a key (16/24/32 bytes selects
// AES-128/192/256) and the 12-byte nonce carried by the file's
// START_ENCRYPTION_EVENT.
func NewCtx(mode Cipher, key []byte, nonce [12]byte) (*Ctx, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	ctx := &Ctx{mode: mode, block: block}
	copy(ctx.ivBase[4:], nonce[:])
	if mode == CipherGCM {
		gcm, err := cipher.NewGCMWithNonceSize(block, 16)
		if err != nil {
			return nil, fmt.Errorf("encrypt: build GCM: %w", err)
		}
		ctx.gcm = gcm
	}
	return ctx, nil
}

// NewNonce draws a fresh 12-byte nonce from a cryptographic RNG, for a
// new START_ENCRYPTION_EVENT. Failure is fatal per spec.md §4.1.
func NewNonce() ([12]byte, error) {
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("encrypt: generate nonce: %w", err)
	}
	return nonce, nil
}

func (c *Ctx) iv(pos uint32) [16]byte {
	iv := c.ivBase
	binary.LittleEndian.PutUint32(iv[0:4], pos)
	return iv
}

// Encrypt implements EncryptCtx.encrypt: frame plain, the complete
// unencrypted event as it would be stored (header, body and any
// trailing checksum), at file offset pos.
func (c *Ctx) Encrypt(plain []byte, pos uint32) ([]byte, error) {
	if len(plain) < 13 {
		return nil, fmt.Errorf("encrypt: event too short to frame: %d bytes", len(plain))
	}
	work := append([]byte(nil), plain...)
	copy(work[9:13], work[0:4]) // timestamp bytes overwrite the event-length field

	iv := c.iv(pos)
	cipherTail, err := c.encryptTail(work[4:], iv)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4+len(cipherTail))
	copy(out[4:], cipherTail)
	copy(out[0:4], out[9:13]) // restore the front 4 bytes from the now-encrypted former timestamp slot
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(out)))
	return out, nil
}

// Decrypt implements EncryptCtx.decrypt, the exact inverse of Encrypt.
func (c *Ctx) Decrypt(ct []byte, pos uint32) ([]byte, error) {
	if len(ct) < 13 {
		return nil, fmt.Errorf("encrypt: ciphertext too short to frame: %d bytes", len(ct))
	}
	swapped := append([]byte(nil), ct...)
	copy(swapped[9:13], swapped[0:4]) // undo: restore the ciphertext byte run at its true offset

	iv := c.iv(pos)
	plainTail, err := c.decryptTail(swapped[4:], iv)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4+len(plainTail))
	copy(out[4:], plainTail)
	copy(out[0:4], out[9:13]) // the decrypted timestamp, restored to the front
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(out)))
	return out, nil
}

func (c *Ctx) encryptTail(plain []byte, iv [16]byte) ([]byte, error) {
	switch c.mode {
	case CipherCTR:
		out := make([]byte, len(plain))
		cipher.NewCTR(c.block, iv[:]).XORKeyStream(out, plain)
		return out, nil
	case CipherCBC:
		padded := pkcs7Pad(plain, c.block.BlockSize())
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(c.block, iv[:]).CryptBlocks(out, padded)
		return out, nil
	case CipherGCM:
		return c.gcm.Seal(nil, iv[:], plain, nil), nil
	default:
		return nil, fmt.Errorf("encrypt: unknown cipher mode %d", c.mode)
	}
}

func (c *Ctx) decryptTail(ct []byte, iv [16]byte) ([]byte, error) {
	switch c.mode {
	case CipherCTR:
		out := make([]byte, len(ct))
		cipher.NewCTR(c.block, iv[:]).XORKeyStream(out, ct)
		return out, nil
	case CipherCBC:
		if len(ct)%c.block.BlockSize() != 0 {
			return nil, fmt.Errorf("encrypt: CBC ciphertext not block-aligned")
		}
		out := make([]byte, len(ct))
		cipher.NewCBCDecrypter(c.block, iv[:]).CryptBlocks(out, ct)
		return pkcs7Unpad(out)
	case CipherGCM:
		plain, err := c.gcm.Open(nil, iv[:], ct, nil)
		if err != nil {
			return nil, fmt.Errorf("encrypt: GCM authentication failed: %w", err)
		}
		return plain, nil
	default:
		return nil, fmt.Errorf("encrypt: unknown cipher mode %d", c.mode)
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("encrypt: empty CBC plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > len(data) {
		return nil, fmt.Errorf("encrypt: invalid PKCS7 padding")
	}
	return data[:len(data)-n], nil
}
