// Package filereader implements the FileReader: resolution of a
// requested GtidList to a starting (file, offset), preamble synthesis,
// and per-event streaming for exactly one downstream session, including
// skip-mode replay, heartbeats, transparent zstd decompression and
// file-hopping across ROTATE/STOP boundaries.
package filereader

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/binlogevent"
	"github.com/mariadb-corporation/pinloki/pkg/encrypt"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

// pollFallback bounds how long Next blocks waiting for the currently
// open (live-tail) file to grow when fsnotify delivers nothing.
const pollFallback = 100 * time.Millisecond

// Config is the subset of pinloki configuration a FileReader needs.
// EncryptKey is nil for a plaintext datadir; when set, it and
// EncryptCipher must be the same key/cipher the datadir was written
// with, so the head START_ENCRYPTION_EVENT of the very first file can
// be decrypted during preamble construction.
type Config struct {
	ServerID      uint32
	EncryptCipher encrypt.Cipher
	EncryptKey    []byte
}

// FileReader streams events for exactly one downstream, starting from a
// resolved GTID position. It is not safe for concurrent use.
type FileReader struct {
	dir string
	inv *inventory.Inventory
	cfg Config
	log *zap.Logger

	currentFile string
	pos         uint32
	src         *source

	encryptCtx    *encrypt.Ctx
	pendingCipher encrypt.Cipher
	pendingKey    []byte

	activeDomains map[uint32]bool
	catchup       *gtid.List
	skipMode      bool

	preamble []*binlogevent.Event

	watcher *fsnotify.Watcher
}

// New resolves requested to a starting position within inv's files and
// opens a FileReader positioned there, preamble queued and ready for
// Next.
func New(dir string, inv *inventory.Inventory, requested *gtid.List, cfg Config, log *zap.Logger) (*FileReader, error) {
	file, offset, err := resolvePosition(dir, inv, requested)
	if err != nil {
		return nil, err
	}

	fr := &FileReader{
		dir:           dir,
		inv:           inv,
		cfg:           cfg,
		log:           log,
		activeDomains: make(map[uint32]bool),
		catchup:       requested.Clone(),
	}
	if cfg.EncryptKey != nil {
		// Must be installed before buildPreamble below, which reads the
		// head START_ENCRYPTION_EVENT of an encrypted first file.
		fr.pendingCipher = cfg.EncryptCipher
		fr.pendingKey = cfg.EncryptKey
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		fr.watcher = w
		_ = w.Add(dir)
	}
	if err := fr.openFile(file); err != nil {
		fr.Close()
		return nil, err
	}
	if err := fr.buildPreamble(file, offset); err != nil {
		fr.Close()
		return nil, err
	}
	return fr, nil
}

// Close releases the FileReader's open file descriptor and watch.
func (fr *FileReader) Close() error {
	var err error
	if fr.src != nil {
		err = fr.src.Close()
		fr.src = nil
	}
	if fr.watcher != nil {
		fr.watcher.Close()
		fr.watcher = nil
	}
	return err
}

// CurrentFile reports the name of the file currently being streamed.
func (fr *FileReader) CurrentFile() string { return fr.currentFile }

// Heartbeat builds a synthetic HEARTBEAT_EVENT naming the current file,
// for the owning Reader to send on an idle connection (spec.md §4.8).
func (fr *FileReader) Heartbeat() *binlogevent.Event {
	return binlogevent.BuildHeartbeat(fr.cfg.ServerID, fr.currentFile)
}

// Next returns the next event to deliver downstream, blocking until one
// is available or ctx is cancelled. Events dropped by skip-mode replay
// are consumed internally and never returned; ROTATE/STOP events cause
// Next to transparently switch to the following file.
func (fr *FileReader) Next(ctx context.Context) (*binlogevent.Event, error) {
	if len(fr.preamble) > 0 {
		ev := fr.preamble[0]
		fr.preamble = fr.preamble[1:]
		return ev, nil
	}

	for {
		ev, err := fr.readEvent(ctx)
		if err != nil {
			return nil, err
		}

		switch ev.Header.Type {
		case binlogevent.RotateEvent:
			body, _ := ev.WithChecksum()
			rot, err := binlogevent.DecodeRotate(body)
			if err != nil {
				return nil, pinlokierr.BinlogRead("filereader.Next", err)
			}
			if err := fr.switchTo(rot.NextFile); err != nil {
				return nil, err
			}
			continue

		case binlogevent.StopEvent:
			next, ok := fr.inv.NextAfter(fr.currentFile)
			if !ok {
				// Nothing follows yet; the writer will rotate into a
				// new file shortly and write a ROTATE here instead —
				// but if this STOP is truly terminal (datadir closed),
				// surface it rather than spin.
				return nil, pinlokierr.BinlogRead("filereader.Next", fmt.Errorf("no file follows %q after STOP_EVENT", fr.currentFile))
			}
			if err := fr.switchTo(next); err != nil {
				return nil, err
			}
			rot := binlogevent.BuildRotate(fr.cfg.ServerID, 0, 0, next, binlogevent.RotateArtificial)
			return rot, nil

		case binlogevent.StartEncryptionEvent:
			// Already consumed by read(): it installed encryptCtx for
			// every event from here on. Not forwarded downstream.
			continue

		case binlogevent.HeartbeatEvent:
			continue

		case binlogevent.GTIDEvent:
			keep, err := fr.applyGtidTransition(ev)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
			return ev, nil

		default:
			if fr.skipMode {
				continue
			}
			return ev, nil
		}
	}
}

// applyGtidTransition implements the per-GTID_EVENT decision in
// spec.md §4.5: whether this transaction is new to the downstream,
// advances it by one sequence, or is already known and should be
// dropped in its entirety (skip mode, cleared by the following
// GTID_EVENT/ROTATE/STOP).
func (fr *FileReader) applyGtidTransition(ev *binlogevent.Event) (bool, error) {
	body, _ := ev.WithChecksum()
	g, err := binlogevent.DecodeGTIDEvent(body)
	if err != nil {
		return false, pinlokierr.BinlogRead("filereader.applyGtidTransition", err)
	}

	fr.skipMode = false
	domain := g.DomainID

	if fr.activeDomains[domain] {
		return true, nil
	}

	want, inCatchup := fr.catchup.Get(domain)
	switch {
	case !inCatchup:
		fr.activeDomains[domain] = true
		return true, nil
	case g.SequenceNumber > want.Sequence:
		fr.activeDomains[domain] = true
		return true, nil
	default:
		fr.skipMode = true
		return false, nil
	}
}

// switchTo closes the current file and opens next, resetting per-file
// state (encryption, position) the way a fresh file always starts.
func (fr *FileReader) switchTo(next string) error {
	if fr.src != nil {
		fr.src.Close()
		fr.src = nil
	}
	fr.encryptCtx = nil
	fr.skipMode = false
	return fr.openFile(next)
}

func (fr *FileReader) openFile(name string) error {
	src, err := openSource(fr.dir, name)
	if err != nil {
		return pinlokierr.BinlogRead("filereader.openFile", err)
	}
	fr.src = src
	fr.currentFile = name
	fr.pos = uint32(len(binlogevent.Magic))
	if _, err := src.Seek(int64(fr.pos)); err != nil {
		return pinlokierr.BinlogRead("filereader.openFile", err)
	}
	return nil
}

// buildPreamble synthesises the Artificial ROTATE naming file, then
// queues the FORMAT_DESCRIPTION_EVENT and any head GTID_LIST_EVENT /
// BINLOG_CHECKPOINT_EVENT, leaving the reader positioned at offset for
// subsequent streaming (spec.md §4.5 preamble synthesis).
func (fr *FileReader) buildPreamble(file string, offset uint32) error {
	rot := binlogevent.BuildRotate(fr.cfg.ServerID, 0, 0, file, binlogevent.RotateArtificial)
	fr.preamble = append(fr.preamble, rot)

	for {
		startPos := fr.pos
		ev, err := fr.readEventNoWait()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch ev.Header.Type {
		case binlogevent.FormatDescriptionEvent:
			fr.preamble = append(fr.preamble, ev)
		case binlogevent.StartEncryptionEvent:
			// Not queued: read() already installed encryptCtx for every
			// event from here on, using the cipher/key Config supplied.
		case binlogevent.GTIDListEvent, binlogevent.BinlogCheckpointEvent:
			fr.preamble = append(fr.preamble, ev)
		default:
			// Preamble is over; rewind to startPos so real streaming
			// (or the requested offset) picks this event up.
			fr.pos = startPos
			if _, err := fr.src.Seek(int64(startPos)); err != nil {
				return pinlokierr.BinlogRead("filereader.buildPreamble", err)
			}
			if offset > fr.pos {
				fr.pos = offset
				_, err := fr.src.Seek(int64(offset))
				return err
			}
			return nil
		}
	}
	if offset > fr.pos {
		fr.pos = offset
		_, err := fr.src.Seek(int64(offset))
		return err
	}
	return nil
}

func (fr *FileReader) readEvent(ctx context.Context) (*binlogevent.Event, error) {
	return fr.read(ctx, true)
}

func (fr *FileReader) readEventNoWait() (*binlogevent.Event, error) {
	return fr.read(context.Background(), false)
}

func (fr *FileReader) read(ctx context.Context, wait bool) (*binlogevent.Event, error) {
	startPos := fr.pos
	header := make([]byte, binlogevent.HeaderSize)
	if err := fr.readFull(ctx, header, wait); err != nil {
		return nil, err
	}
	onDiskLen := binary.LittleEndian.Uint32(header[9:13])
	if onDiskLen < binlogevent.HeaderSize {
		return nil, pinlokierr.BinlogRead("filereader.read", fmt.Errorf("implausible event length %d", onDiskLen))
	}
	raw := make([]byte, onDiskLen)
	copy(raw, header)
	if err := fr.readFull(ctx, raw[binlogevent.HeaderSize:], wait); err != nil {
		return nil, err
	}
	fr.pos += onDiskLen

	plain := raw
	if fr.encryptCtx != nil {
		p, err := fr.encryptCtx.Decrypt(raw, startPos)
		if err != nil {
			return nil, pinlokierr.Encryption("filereader.read", err)
		}
		plain = p
	}

	ev, err := binlogevent.Parse(plain)
	if err != nil {
		return nil, pinlokierr.BinlogRead("filereader.read", err)
	}

	if ev.Header.Type == binlogevent.StartEncryptionEvent && fr.pendingKey != nil {
		body, _ := ev.WithChecksum()
		se, err := binlogevent.DecodeStartEncryption(body)
		if err == nil {
			if c, err := encrypt.NewCtx(fr.pendingCipher, fr.pendingKey, se.Nonce); err == nil {
				fr.encryptCtx = c
			}
		}
	}
	return ev, nil
}

// readFull fills buf completely, waiting for the source to grow (the
// live-tail file) when wait is true; historical files always carry a
// terminal ROTATE/STOP before true EOF, so callers streaming them never
// actually block here.
func (fr *FileReader) readFull(ctx context.Context, buf []byte, wait bool) error {
	read := 0
	for read < len(buf) {
		n, err := fr.src.Read(buf[read:])
		read += n
		if err == nil {
			continue
		}
		if err != io.EOF {
			return pinlokierr.BinlogRead("filereader.readFull", err)
		}
		if !wait {
			return io.EOF
		}
		if err := fr.waitForGrowth(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (fr *FileReader) waitForGrowth(ctx context.Context) error {
	var events chan fsnotify.Event
	if fr.watcher != nil {
		events = fr.watcher.Events
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-events:
		return nil
	case <-time.After(pollFallback):
		return nil
	}
}

// resolvePosition implements spec.md §4.5's GTID position resolution:
// for every requested domain, walk the inventory backwards deciding
// whether the target sequence lies inside the candidate file or
// earlier; the lowest resulting (file, offset) across all domains wins.
func resolvePosition(dir string, inv *inventory.Inventory, requested *gtid.List) (string, uint32, error) {
	files := inv.FileNames()
	if len(files) == 0 {
		return "", 0, pinlokierr.GtidNotFound("filereader.resolvePosition", fmt.Errorf("no binlog files in %s", dir))
	}
	magicLen := uint32(len(binlogevent.Magic))

	if requested.Len() == 0 {
		return files[0], magicLen, nil
	}

	bestFile, bestIdx := files[len(files)-1], len(files)-1
	for _, g := range requested.Gtids() {
		file, idx, err := reverseScanForDomain(dir, files, g)
		if err != nil {
			return "", 0, err
		}
		if idx < bestIdx {
			bestFile, bestIdx = file, idx
		}
	}
	return bestFile, magicLen, nil
}

// reverseScanForDomain walks files backwards from the newest, opening
// each candidate and reading its head GTID_LIST_EVENT to decide whether
// g's target sequence lies inside that file or strictly before it.
func reverseScanForDomain(dir string, files []string, g gtid.Gtid) (string, int, error) {
	for i := len(files) - 1; i >= 0; i-- {
		name := files[i]
		if i == 0 {
			return name, i, nil
		}
		list, err := readHeadGtidList(dir, name)
		if err != nil {
			// Unreadable candidate: be conservative and keep walking
			// back rather than mis-selecting a file we can't verify.
			continue
		}
		h, ok := list.Get(g.Domain)
		if !ok || h.Sequence < g.Sequence {
			return name, i, nil
		}
		if h.Sequence == g.Sequence {
			return name, i, nil
		}
		// h.Sequence > g.Sequence: the target committed strictly before
		// this file; keep walking back.
	}
	return files[0], 0, nil
}

// readHeadGtidList opens name and reads events from just past the magic
// until the first GTID_LIST_EVENT, returning its decoded contents.
func readHeadGtidList(dir, name string) (*gtid.List, error) {
	src, err := openSource(dir, name)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if _, err := src.Seek(int64(len(binlogevent.Magic))); err != nil {
		return nil, err
	}

	for {
		header := make([]byte, binlogevent.HeaderSize)
		if _, err := io.ReadFull(src, header); err != nil {
			return nil, err
		}
		length := binary.LittleEndian.Uint32(header[9:13])
		if length < binlogevent.HeaderSize {
			return nil, fmt.Errorf("filereader: implausible event length %d in %s", length, name)
		}
		rest := make([]byte, length-binlogevent.HeaderSize)
		if _, err := io.ReadFull(src, rest); err != nil {
			return nil, err
		}
		raw := append(header, rest...)
		ev, err := binlogevent.Parse(raw)
		if err != nil {
			return nil, err
		}
		if ev.Header.Type == binlogevent.GTIDListEvent {
			body, _ := ev.WithChecksum()
			return binlogevent.DecodeGTIDList(body)
		}
		if ev.Header.Type == binlogevent.GTIDEvent {
			// No GTID_LIST before the first real transaction: treat as
			// an empty head list (file predates any recorded position).
			return gtid.NewList(), nil
		}
	}
}

// source abstracts a readable, seekable binlog file, transparently
// decompressing a .zst sibling when the plain file is absent (spec.md
// §4.5 transparent decompression).
type source struct {
	f         *os.File
	decompJob *decompression
}

type decompression struct {
	path string
	errc chan error
}

func openSource(dir, name string) (*source, error) {
	path := filepath.Join(dir, name)
	if f, err := os.Open(path); err == nil {
		return &source{f: f}, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	zstPath := path + ".zst"
	if _, err := os.Stat(zstPath); err != nil {
		return nil, fmt.Errorf("filereader: neither %s nor %s exist", path, zstPath)
	}
	return openDecompressing(zstPath)
}

func openDecompressing(zstPath string) (*source, error) {
	zf, err := os.Open(zstPath)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(zstPath), "pinloki-decomp-*")
	if err != nil {
		zf.Close()
		return nil, err
	}
	job := &decompression{path: tmp.Name(), errc: make(chan error, 1)}
	go func() {
		defer zf.Close()
		defer tmp.Close()
		dec, err := zstd.NewReader(zf)
		if err != nil {
			job.errc <- fmt.Errorf("filereader: open zstd stream: %w", err)
			return
		}
		defer dec.Close()
		_, err = io.Copy(tmp, dec)
		job.errc <- err
	}()

	readHandle, err := os.Open(tmp.Name())
	if err != nil {
		return nil, err
	}
	return &source{f: readHandle, decompJob: job}, nil
}

func (s *source) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	if err == io.EOF && s.decompJob != nil {
		select {
		case jerr := <-s.decompJob.errc:
			s.decompJob.errc <- jerr // put it back for the next caller
			if jerr != nil {
				return n, jerr
			}
			// Decompression finished cleanly; re-check for a final
			// sliver written between our Read and the goroutine exit.
			n2, err2 := s.f.Read(p[n:])
			return n + n2, err2
		default:
			// Still decompressing: this is a transient EOF, not a real
			// one — the caller's wait loop will retry.
			return n, io.EOF
		}
	}
	return n, err
}

func (s *source) Seek(pos int64) (int64, error) {
	return s.f.Seek(pos, io.SeekStart)
}

func (s *source) Close() error {
	err := s.f.Close()
	if s.decompJob != nil {
		os.Remove(s.decompJob.path)
	}
	return err
}

