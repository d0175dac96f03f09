// Package transformer implements the FileTransformer: the single
// background worker that keeps a datadir's Inventory in sync with
// what's actually on disk, and separately drives compression and
// expiry/archive policy on their own schedules.
package transformer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/fdscan"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

// pollFallback is how often the transformer rescans the directory when
// fsnotify delivers nothing — a dead watch (network filesystem, a
// watch limit exhausted) must never silently stop tracking new files.
const pollFallback = 100 * time.Millisecond

// ExpirationMode selects what happens to a file once it's past its
// retention window.
type ExpirationMode int

const (
	ExpirationPurge ExpirationMode = iota
	ExpirationArchive
)

// CompressionAlgorithm selects the cold-file compression codec.
type CompressionAlgorithm int

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionZstandard
)

// Config is the subset of pinloki configuration the transformer acts
// on (spec.md §6).
type Config struct {
	ExpirationMode              ExpirationMode
	ArchiveDir                  string
	ExpireLogMinimumFiles       int
	ExpireLogDuration           time.Duration
	CompressionAlgorithm        CompressionAlgorithm
	NumberOfNoncompressedFiles  int
	PurgePollTimeout            time.Duration
}

// PurgeResult reports how far a purge got.
type PurgeResult int

const (
	PurgeComplete PurgeResult = iota
	PurgePartial
)

var filenameRe = regexp.MustCompile(`\.\d{6}(?:\.zst)?$`)

var binlogMagic = [4]byte{0xfe, 0x62, 0x69, 0x6e}
var zstdMagic = [4]byte{0x28, 0xb5, 0x2f, 0xfd}

// Transformer is the FileTransformer: it owns inv's mutations and runs
// the compression and expiry policies.
type Transformer struct {
	dir     string
	inv     *inventory.Inventory
	cfg     Config
	log     *zap.Logger
	startup time.Time
}

// New builds a Transformer over dir, publishing rescans into inv.
func New(dir string, inv *inventory.Inventory, cfg Config, log *zap.Logger) *Transformer {
	return &Transformer{dir: dir, inv: inv, cfg: cfg, log: log, startup: time.Now()}
}

// Run blocks, watching dir and running the compression/expiry timers,
// until ctx is cancelled.
func (t *Transformer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pinlokierr.BinlogRead("transformer.Run", err)
	}
	defer watcher.Close()
	if err := watcher.Add(t.dir); err != nil {
		return pinlokierr.BinlogRead("transformer.Run", err)
	}

	if err := t.Rescan(); err != nil {
		t.log.Warn("initial rescan failed", zap.Error(err))
	}

	poll := time.NewTicker(pollFallback)
	defer poll.Stop()

	policyInterval := t.cfg.PurgePollTimeout
	if policyInterval <= 0 {
		policyInterval = time.Hour
	}
	policy := time.NewTicker(policyInterval)
	defer policy.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := t.Rescan(); err != nil {
					t.log.Warn("rescan after fsnotify event failed", zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.log.Warn("fsnotify watcher error", zap.Error(err))
		case <-poll.C:
			if err := t.Rescan(); err != nil {
				t.log.Warn("periodic rescan failed", zap.Error(err))
			}
		case <-policy.C:
			t.runPolicies()
		}
	}
}

// Rescan lists dir, keeps only recognised binlog file names, and
// publishes the sorted result to the Inventory (spec.md §4.4 step 1-3).
func (t *Transformer) Rescan() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return pinlokierr.BinlogRead("transformer.Rescan", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !filenameRe.MatchString(e.Name()) {
			continue
		}
		if ok, err := hasRecognisedMagic(filepath.Join(t.dir, e.Name())); err == nil && ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return t.inv.Replace(names)
}

func hasRecognisedMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var head [4]byte
	if _, err := f.Read(head[:]); err != nil {
		return false, nil
	}
	return head == binlogMagic || head == zstdMagic, nil
}

func (t *Transformer) runPolicies() {
	if t.cfg.CompressionAlgorithm != CompressionNone {
		if err := t.compressOldest(); err != nil {
			t.log.Warn("compression pass failed", zap.Error(err))
		}
	}
	if t.cfg.ExpireLogDuration > 0 {
		if _, err := t.ExpireOld(); err != nil {
			t.log.Warn("expiry pass failed", zap.Error(err))
		}
	}
}

// compressOldest compresses at most one uncompressed file beyond the
// configured tail, the single-file-at-a-time policy original_source's
// file_transformer.cc implements.
func (t *Transformer) compressOldest() error {
	names := t.inv.FileNames()
	tail := t.cfg.NumberOfNoncompressedFiles
	if tail <= 0 {
		tail = 2
	}
	var uncompressed []string
	for _, n := range names {
		if filepath.Ext(n) != ".zst" {
			uncompressed = append(uncompressed, n)
		}
	}
	if len(uncompressed) <= tail {
		return nil
	}
	target := uncompressed[0]
	return t.compressFile(target)
}

func (t *Transformer) compressFile(name string) error {
	scratchDir := filepath.Join(t.dir, "compression")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}
	scratch := filepath.Join(scratchDir, fmt.Sprintf("%s.%s.compressing", name, uuid.NewString()))

	src, err := os.Open(filepath.Join(t.dir, name))
	if err != nil {
		return pinlokierr.BinlogRead("transformer.compressFile", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(scratch, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}
	defer os.Remove(scratch)

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}
	if _, err := enc.ReadFrom(src); err != nil {
		enc.Close()
		dst.Close()
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}
	if err := dst.Close(); err != nil {
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}

	final := filepath.Join(t.dir, name+".zst")
	if err := os.Rename(scratch, final); err != nil {
		return pinlokierr.BinlogWrite("transformer.compressFile", err)
	}
	// Readers that opened the uncompressed file by inode keep their fd
	// valid after this unlink (spec.md §4.4); only the directory entry
	// disappears.
	if err := os.Remove(filepath.Join(t.dir, name)); err != nil {
		t.log.Warn("unlink of pre-compression file failed", zap.String("file", name), zap.Error(err))
	}
	return t.Rescan()
}

// ExpireOld runs the expiry/archive policy: it computes the oldest
// eligible "upto" file and calls Purge with it.
func (t *Transformer) ExpireOld() (PurgeResult, error) {
	names := t.inv.FileNames()
	minFiles := t.cfg.ExpireLogMinimumFiles
	if minFiles <= 0 {
		minFiles = 2
	}
	if len(names) <= minFiles {
		return PurgeComplete, nil
	}

	cutoff := time.Now().Add(-t.cfg.ExpireLogDuration)
	uptoIndex := -1
	for i := 0; i < len(names)-minFiles; i++ {
		fi, err := os.Stat(filepath.Join(t.dir, names[i]))
		if err != nil {
			break
		}
		if fi.ModTime().After(cutoff) {
			break
		}
		uptoIndex = i
	}
	if uptoIndex < 0 {
		return PurgeComplete, nil
	}
	return t.Purge(names[uptoIndex+1])
}

// Purge unlinks (or, in archive mode, moves) every file strictly older
// than uptoFile, stopping early — and returning PurgePartial — the
// moment a candidate is still open by this process (spec.md §4.4, §8
// property 6).
func (t *Transformer) Purge(uptoFile string) (PurgeResult, error) {
	names := t.inv.FileNames()
	for _, name := range names {
		if name == uptoFile {
			break
		}
		path := filepath.Join(t.dir, name)
		open, err := fdscan.IsOpenByThisProcess(path)
		if err != nil {
			return PurgePartial, pinlokierr.BinlogWrite("transformer.Purge", err)
		}
		if open {
			return PurgePartial, nil
		}
		if err := t.retireFile(path, name); err != nil {
			return PurgePartial, err
		}
		if _, err := t.inv.PopFront(); err != nil {
			return PurgePartial, pinlokierr.BinlogWrite("transformer.Purge", err)
		}
	}
	return PurgeComplete, nil
}

func (t *Transformer) retireFile(path, name string) error {
	if t.cfg.ExpirationMode == ExpirationArchive {
		if err := os.MkdirAll(t.cfg.ArchiveDir, 0o755); err != nil {
			return pinlokierr.BinlogWrite("transformer.retireFile", err)
		}
		return os.Rename(path, filepath.Join(t.cfg.ArchiveDir, name))
	}
	return os.Remove(path)
}
