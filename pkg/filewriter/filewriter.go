// Package filewriter implements the FileWriter: the on-disk append
// path for incoming binlog events, including deferred rotation,
// transaction buffering, encryption framing, and the preamble every
// new file begins with.
package filewriter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/binlogevent"
	"github.com/mariadb-corporation/pinloki/pkg/encrypt"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

// KeyProvider resolves an encryption key ID to the key version and
// bytes the configured key manager currently holds for it.
type KeyProvider interface {
	Fetch(keyID string) (version uint32, key []byte, err error)
}

// Config carries the per-Writer settings that shape how FileWriter
// frames what it persists.
type Config struct {
	ServerID         uint32
	BaseName         string // e.g. "pinloki", files are "<BaseName>.NNNNNN"
	EncryptionKeyID  string // empty disables encryption
	EncryptionCipher encrypt.Cipher
}

// FileWriter is the append path for one datadir. It is not safe for
// concurrent use — the owning Writer serialises all calls.
type FileWriter struct {
	dir string
	cfg Config
	inv *inventory.Inventory
	key KeyProvider
	log *zap.Logger

	file        *os.File
	fileName    string
	writePos    uint32 // offset the next byte written will occupy
	lastFDE     []byte // header+body of the last FDE written to the currently open file, for the reopen-vs-rotate decision

	deferredRotate string // target filename, set by a ROTATE event, consumed by the next FDE
	preambleGuard  bool

	inTxn bool
	txBuf bytes.Buffer
	txPos uint32 // writePos as it will be once txBuf is flushed

	encryptCtx *encrypt.Ctx
	gtidList   *gtid.List
}

// New builds a FileWriter over dir. inv is kept in sync as files are
// created; key may be nil when cfg.EncryptionKeyID is empty.
func New(dir string, cfg Config, inv *inventory.Inventory, key KeyProvider, log *zap.Logger) *FileWriter {
	return &FileWriter{dir: dir, cfg: cfg, inv: inv, key: key, log: log, gtidList: gtid.NewList()}
}

// SetGtidList seeds the GtidList written at the head of every new file
// (the Writer's current replication position).
func (w *FileWriter) SetGtidList(list *gtid.List) {
	w.gtidList = list.Clone()
}

// BeginTxn starts buffering events for a transaction rather than
// writing them straight through.
func (w *FileWriter) BeginTxn() {
	w.inTxn = true
	w.txBuf.Reset()
	w.txPos = w.writePos
}

// RollbackTxn discards whatever was buffered since BeginTxn.
func (w *FileWriter) RollbackTxn() {
	w.inTxn = false
	w.txBuf.Reset()
}

// CommitTxn flushes the buffered transaction to the open file.
func (w *FileWriter) CommitTxn() error {
	if !w.inTxn {
		return nil
	}
	w.inTxn = false
	if w.txBuf.Len() == 0 {
		return nil
	}
	if w.file == nil {
		return pinlokierr.BinlogWrite("filewriter.CommitTxn", fmt.Errorf("no open file"))
	}
	if _, err := w.file.Write(w.txBuf.Bytes()); err != nil {
		return pinlokierr.BinlogWrite("filewriter.CommitTxn", err)
	}
	w.writePos = w.txPos
	w.txBuf.Reset()
	return nil
}

// AddEvent implements add_event: it handles deferred rotation, the
// preamble guard, position rewriting
// and encryption, and appends the event either to the transaction
// buffer or directly to the file (spec.md §4.6).
func (w *FileWriter) AddEvent(ev *binlogevent.Event) error {
	switch ev.Header.Type {
	case binlogevent.HeartbeatEvent:
		return nil

	case binlogevent.RotateEvent:
		body, _ := ev.WithChecksum()
		rot, err := binlogevent.DecodeRotate(body)
		if err != nil {
			return pinlokierr.BinlogWrite("filewriter.AddEvent", err)
		}
		w.deferredRotate = rot.NextFile
		return nil

	case binlogevent.FormatDescriptionEvent:
		return w.onFormatDescription(ev)

	case binlogevent.GTIDListEvent:
		if w.preambleGuard {
			return nil
		}
		if !w.inTxn {
			return w.writeGtidList()
		}

	case binlogevent.BinlogCheckpointEvent:
		if w.preambleGuard {
			return nil
		}
		return w.appendDirect(ev)

	case binlogevent.StopEvent:
		return w.appendDirect(ev)

	case binlogevent.GTIDEvent:
		w.preambleGuard = false
	default:
		w.preambleGuard = false
	}

	return w.appendFramed(ev)
}

// appendFramed rewrites next_event_pos to the real offset the event
// will occupy, encrypts it if a key is active, and routes it to the
// transaction buffer (inside a txn) or straight to the file.
func (w *FileWriter) appendFramed(ev *binlogevent.Event) error {
	pos := w.writePos
	if w.inTxn {
		pos = w.txPos
	}
	framed := ev.Reframe(pos + ev.Header.EventLength)

	out := framed
	if w.encryptCtx != nil {
		enc, err := w.encryptCtx.Encrypt(framed, pos)
		if err != nil {
			return pinlokierr.Encryption("filewriter.appendFramed", err)
		}
		out = enc
	}

	if w.inTxn {
		w.txBuf.Write(out)
		w.txPos += uint32(len(out))
		return nil
	}
	if w.file == nil {
		return pinlokierr.BinlogWrite("filewriter.appendFramed", fmt.Errorf("no open file"))
	}
	if _, err := w.file.Write(out); err != nil {
		return pinlokierr.BinlogWrite("filewriter.appendFramed", err)
	}
	w.writePos += uint32(len(out))
	return nil
}

// appendDirect writes ev straight to the open file, bypassing the
// transaction buffer and position rewriting (STOP, ROTATE,
// BINLOG_CHECKPOINT).
func (w *FileWriter) appendDirect(ev *binlogevent.Event) error {
	if w.file == nil {
		return pinlokierr.BinlogWrite("filewriter.appendDirect", fmt.Errorf("no open file"))
	}
	if _, err := w.file.Write(ev.Raw); err != nil {
		return pinlokierr.BinlogWrite("filewriter.appendDirect", err)
	}
	w.writePos += uint32(len(ev.Raw))
	return nil
}

func (w *FileWriter) onFormatDescription(ev *binlogevent.Event) error {
	body, _ := ev.WithChecksum()

	if w.deferredRotate == "" && w.file != nil {
		// No pending rotate: this FDE continues the currently open file
		// (e.g. the very first FDE of the stream). Nothing to do beyond
		// the normal framed write below.
		return w.writeFDE(ev, body)
	}

	target := w.deferredRotate
	w.deferredRotate = ""
	if target == "" {
		target = w.nextFileName()
	}

	if w.file != nil && bytes.Equal(w.lastFDE, body) {
		// Identical FDE to what's already on disk: reopen in append
		// mode instead of rotating, per spec.md §4.6.
		if err := w.reopenForAppend(target); err != nil {
			return err
		}
		w.preambleGuard = true
		return nil
	}

	if err := w.performRotate(target); err != nil {
		return err
	}
	return w.writeFDE(ev, body)
}

func (w *FileWriter) writeFDE(ev *binlogevent.Event, body []byte) error {
	w.lastFDE = append([]byte(nil), body...)
	w.encryptCtx = nil
	if err := w.appendFramed(ev); err != nil {
		return err
	}
	w.preambleGuard = true

	if w.cfg.EncryptionKeyID != "" {
		if err := w.beginEncryption(); err != nil {
			return err
		}
	}
	return w.writeGtidList()
}

func (w *FileWriter) beginEncryption() error {
	if w.key == nil {
		return pinlokierr.Encryption("filewriter.beginEncryption", fmt.Errorf("no key manager configured"))
	}
	version, keyBytes, err := w.key.Fetch(w.cfg.EncryptionKeyID)
	if err != nil {
		return pinlokierr.Encryption("filewriter.beginEncryption", err)
	}
	se, err := binlogevent.BuildStartEncryption(w.cfg.ServerID, uint32(time.Now().Unix()), 0, version)
	if err != nil {
		return pinlokierr.Encryption("filewriter.beginEncryption", err)
	}
	if err := w.appendFramed(se); err != nil {
		return err
	}
	body, _ := se.WithChecksum()
	sc, err := binlogevent.DecodeStartEncryption(body)
	if err != nil {
		return pinlokierr.Encryption("filewriter.beginEncryption", err)
	}
	ctx, err := encrypt.NewCtx(w.cfg.EncryptionCipher, keyBytes, sc.Nonce)
	if err != nil {
		return pinlokierr.Encryption("filewriter.beginEncryption", err)
	}
	w.encryptCtx = ctx
	return nil
}

// writeGtidList appends a GTID_LIST_EVENT built from the writer's
// current view of replication state — the first writable event after
// FDE/encryption framing in every new file.
func (w *FileWriter) writeGtidList() error {
	ev := binlogevent.BuildGTIDList(w.cfg.ServerID, uint32(time.Now().Unix()), 0, w.gtidList)
	return w.appendFramed(ev)
}

// performRotate implements perform_rotate: close the current file
// behind a synthetic ROTATE (or a STOP if none was open), then create
// and register newName.
func (w *FileWriter) performRotate(newName string) error {
	if w.file != nil {
		rot := binlogevent.BuildRotate(w.cfg.ServerID, uint32(time.Now().Unix()), uint32(binlogevent.HeaderSize), newName, binlogevent.RotateReal)
		if err := w.appendDirect(rot); err != nil {
			return err
		}
		if err := w.file.Sync(); err != nil {
			return pinlokierr.BinlogWrite("filewriter.performRotate", err)
		}
		if err := w.file.Close(); err != nil {
			return pinlokierr.BinlogWrite("filewriter.performRotate", fmt.Errorf("close did not flush: %w", err))
		}
		w.file = nil
	} else if w.fileName != "" {
		if err := w.writeStopToExisting(w.fileName); err != nil {
			return err
		}
	}
	return w.createFile(newName)
}

func (w *FileWriter) writeStopToExisting(name string) error {
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return pinlokierr.BinlogWrite("filewriter.writeStopToExisting", err)
	}
	defer f.Close()
	stop := binlogevent.BuildStop(w.cfg.ServerID, uint32(time.Now().Unix()), 0)
	if _, err := f.Write(stop.Raw); err != nil {
		return pinlokierr.BinlogWrite("filewriter.writeStopToExisting", err)
	}
	return f.Sync()
}

func (w *FileWriter) createFile(name string) error {
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pinlokierr.BinlogWrite("filewriter.createFile", err)
	}
	if _, err := f.Write(binlogevent.Magic[:]); err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("filewriter.createFile", err)
	}
	w.file = f
	w.fileName = name
	w.writePos = uint32(len(binlogevent.Magic))
	w.preambleGuard = false
	w.encryptCtx = nil
	w.lastFDE = nil
	if err := w.inv.PushBack(name); err != nil {
		return err
	}
	return nil
}

// nextFileName computes the name a new file should take when no
// explicit ROTATE target was supplied (spec.md §8 property 4:
// monotonically increasing generation).
func (w *FileWriter) nextFileName() string {
	last, ok := w.inv.Last()
	seq := 1
	if ok {
		if n, ok := inventory.Sequence(last); ok {
			seq = n + 1
		}
	}
	return fmt.Sprintf("%s.%06d", w.cfg.BaseName, seq)
}

func (w *FileWriter) reopenForAppend(name string) error {
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return pinlokierr.BinlogWrite("filewriter.reopenForAppend", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("filewriter.reopenForAppend", err)
	}
	w.file = f
	w.fileName = name
	w.writePos = uint32(fi.Size())
	return nil
}

// CurrentFile reports the name of the file currently being appended
// to, and whether one is open.
func (w *FileWriter) CurrentFile() (string, bool) {
	return w.fileName, w.file != nil
}

// WritePos reports the current write offset within the open file.
func (w *FileWriter) WritePos() uint32 { return w.writePos }

// Close closes the currently open file, if any.
func (w *FileWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return pinlokierr.BinlogWrite("filewriter.Close", err)
	}
	return nil
}
