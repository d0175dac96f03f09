package pinloki

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
)

const masterInfoName = "master-info.json"

// MasterInfo is the persisted primary connection state change_master
// writes and start_slave reads back (spec.md §6 directory layout:
// "master-info.json — persisted primary connection state").
type MasterInfo struct {
	Host               string `json:"host"`
	Port               uint16 `json:"port"`
	User               string `json:"user"`
	Password           string `json:"password"`
	UseGTID            bool   `json:"use_gtid"`
	SSLEnabled         bool   `json:"ssl_enabled"`
	SSLVerifyServerCert bool  `json:"ssl_verify_server_cert"`
}

func loadMasterInfo(dir string) (MasterInfo, error) {
	b, err := os.ReadFile(filepath.Join(dir, masterInfoName))
	if err != nil {
		if os.IsNotExist(err) {
			return MasterInfo{}, nil
		}
		return MasterInfo{}, pinlokierr.BinlogRead("pinloki.loadMasterInfo", err)
	}
	var mi MasterInfo
	if err := json.Unmarshal(b, &mi); err != nil {
		return MasterInfo{}, pinlokierr.BinlogRead("pinloki.loadMasterInfo", err)
	}
	return mi, nil
}

// saveMasterInfo writes mi atomically (temp file, fsync, rename), the
// same idiom pkg/writer's rpl_state uses.
func saveMasterInfo(dir string, mi MasterInfo) error {
	path := filepath.Join(dir, masterInfoName)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(mi, "", "  ")
	if err != nil {
		return pinlokierr.BinlogWrite("pinloki.saveMasterInfo", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return pinlokierr.BinlogWrite("pinloki.saveMasterInfo", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("pinloki.saveMasterInfo", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return pinlokierr.BinlogWrite("pinloki.saveMasterInfo", err)
	}
	if err := f.Close(); err != nil {
		return pinlokierr.BinlogWrite("pinloki.saveMasterInfo", err)
	}
	return os.Rename(tmp, path)
}
