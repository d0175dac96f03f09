package writer

import (
	"os"
	"path/filepath"

	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

const (
	rplStateName          = "rpl_state"
	requestedRplStateName = "requested_rpl_state"
)

// loadRplState reads dir's rpl_state file, returning an empty List if it
// does not exist yet (a brand new datadir).
func loadRplState(dir string) (*gtid.List, error) {
	return readGtidListFile(filepath.Join(dir, rplStateName))
}

// loadRequestedRplState reads dir's requested_rpl_state file, returning
// (nil, nil) if none is present — the normal case once a prior request
// has been consumed.
func loadRequestedRplState(dir string) (*gtid.List, error) {
	path := filepath.Join(dir, requestedRplStateName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pinlokierr.BinlogRead("writer.loadRequestedRplState", err)
	}
	return readGtidListFile(path)
}

// clearRequestedRplState deletes requested_rpl_state once its position is
// included in the live state (spec.md §3: "cleared once the live state
// includes it").
func clearRequestedRplState(dir string) error {
	err := os.Remove(filepath.Join(dir, requestedRplStateName))
	if err != nil && !os.IsNotExist(err) {
		return pinlokierr.BinlogWrite("writer.clearRequestedRplState", err)
	}
	return nil
}

func readGtidListFile(path string) (*gtid.List, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return gtid.NewList(), nil
		}
		return nil, pinlokierr.BinlogRead("writer.readGtidListFile", err)
	}
	list, err := gtid.ParseList(string(b))
	if err != nil {
		return nil, pinlokierr.BinlogRead("writer.readGtidListFile", err)
	}
	return list, nil
}

// saveRplState writes list to dir's rpl_state file atomically (temp file,
// fsync, rename), the same idiom pkg/inventory uses for its index file.
func saveRplState(dir string, list *gtid.List) error {
	path := filepath.Join(dir, rplStateName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pinlokierr.BinlogWrite("writer.saveRplState", err)
	}
	if _, err := f.WriteString(list.String()); err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("writer.saveRplState", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("writer.saveRplState", err)
	}
	if err := f.Close(); err != nil {
		return pinlokierr.BinlogWrite("writer.saveRplState", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return pinlokierr.BinlogWrite("writer.saveRplState", err)
	}
	return nil
}
