// Package inventory tracks the ordered, deduplicated set of binlog
// files a datadir currently holds, backed by a binlog.index file on
// disk. A single FileTransformer goroutine owns writes; any number of
// FileReaders and the control surface read it concurrently.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

const indexName = "binlog.index"

// sequenceRe extracts the 6-digit sequence suffix a binlog file name
// carries after its final dot, ignoring a trailing .zst (compressed)
// suffix — e.g. "pinloki.000042" or "pinloki.000042.zst".
var sequenceRe = regexp.MustCompile(`\.(\d{6})(?:\.zst)?$`)

// Inventory is the cached, sorted list of binlog file names present in
// a datadir. It is safe for concurrent FileNames callers; mutation
// (PushBack/PopFront/Replace) is meant to be called from the single
// FileTransformer goroutine that owns the directory, but the mutex
// makes concurrent mutation safe too.
type Inventory struct {
	mu   sync.RWMutex
	dir  string
	names []string
}

// New returns an empty Inventory rooted at dir. Use Load to populate it
// from an existing binlog.index.
func New(dir string) *Inventory {
	return &Inventory{dir: dir}
}

// Load reads dir's binlog.index, if any, into a new Inventory. A
// missing index is not an error — it means an empty datadir.
func Load(dir string) (*Inventory, error) {
	inv := New(dir)
	data, err := os.ReadFile(filepath.Join(dir, indexName))
	if err != nil {
		if os.IsNotExist(err) {
			return inv, nil
		}
		return nil, pinlokierr.BinlogRead("inventory.Load", err)
	}
	for _, line := range splitLines(data) {
		if line != "" {
			inv.names = append(inv.names, filepath.Base(line))
		}
	}
	sortByGeneration(inv.names)
	return inv, nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

// Sequence extracts the numeric generation a binlog file name encodes,
// e.g. Sequence("pinloki.000042") == 42, Sequence("pinloki.000042.zst")
// == 42 too.
func Sequence(name string) (int, bool) {
	m := sequenceRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func sortByGeneration(names []string) {
	sort.Slice(names, func(i, j int) bool {
		si, oki := Sequence(names[i])
		sj, okj := Sequence(names[j])
		if oki && okj {
			return si < sj
		}
		return names[i] < names[j]
	})
}

// FileNames returns the cached sorted list of file names.
func (inv *Inventory) FileNames() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]string, len(inv.names))
	copy(out, inv.names)
	return out
}

// First returns the oldest tracked file.
func (inv *Inventory) First() (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if len(inv.names) == 0 {
		return "", false
	}
	return inv.names[0], true
}

// Last returns the newest tracked file: the active, currently-written one.
func (inv *Inventory) Last() (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if len(inv.names) == 0 {
		return "", false
	}
	return inv.names[len(inv.names)-1], true
}

// NextAfter returns the file tracked immediately after name, if any —
// the primitive both FileReader (following a ROTATE) and PurgeLogs use
// to walk the set.
func (inv *Inventory) NextAfter(name string) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for i, n := range inv.names {
		if n == name {
			if i+1 < len(inv.names) {
				return inv.names[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// PushBack records name (the FileWriter calls it on rotation) and keeps
// the list in generation order; a name already tracked is not added a
// second time. Inventory does not itself choose the next sequence
// number (spec.md §8 property 4 — monotonicity is the FileWriter's
// responsibility when it names the file, not Inventory's when it
// records the name).
func (inv *Inventory) PushBack(name string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, n := range inv.names {
		if n == name {
			return nil
		}
	}
	inv.names = append(inv.names, name)
	sortByGeneration(inv.names)
	return inv.persistLocked()
}

// PopFront removes and returns the oldest tracked file, e.g. after a
// purge unlinks it.
func (inv *Inventory) PopFront() (string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.names) == 0 {
		return "", fmt.Errorf("inventory: PopFront on empty inventory")
	}
	name := inv.names[0]
	inv.names = inv.names[1:]
	if err := inv.persistLocked(); err != nil {
		return "", err
	}
	return name, nil
}

// Replace overwrites the cached list wholesale, as the FileTransformer
// does after a directory rescan. It is a no-op (including skipping the
// index rewrite) when names already equals the cached list.
func (inv *Inventory) Replace(names []string) error {
	sorted := append([]string(nil), names...)
	sortByGeneration(sorted)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if stringsEqual(inv.names, sorted) {
		return nil
	}
	inv.names = sorted
	return inv.persistLocked()
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// persistLocked rewrites binlog.index atomically: write to a temp file
// in the same directory, fsync it, then rename over the real index.
// Entries are written as absolute paths (spec.md §6) so MariaDB tooling
// reading the index directly does not need to know the datadir; Load
// strips the directory back off, since every in-memory/API use of a
// name (PushBack, FileNames, NextAfter, ...) joins it against inv.dir
// itself. Callers must hold inv.mu.
func (inv *Inventory) persistLocked() error {
	tmp := filepath.Join(inv.dir, indexName+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pinlokierr.BinlogWrite("inventory.persist", err)
	}
	for _, name := range inv.names {
		if _, err := f.WriteString(filepath.Join(inv.dir, name) + "\n"); err != nil {
			f.Close()
			return pinlokierr.BinlogWrite("inventory.persist", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("inventory.persist", err)
	}
	if err := f.Close(); err != nil {
		return pinlokierr.BinlogWrite("inventory.persist", err)
	}
	if err := os.Rename(tmp, filepath.Join(inv.dir, indexName)); err != nil {
		return pinlokierr.BinlogWrite("inventory.persist", err)
	}
	return nil
}
