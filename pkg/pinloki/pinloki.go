// Package pinloki is the orchestrator: it owns one datadir's Inventory,
// FileTransformer, FileWriter, and Writer, and exposes the control
// surface spec.md §6 describes as consumed from an external command
// parser (change_master, start_slave/stop_slave/reset_slave,
// set_gtid_slave_pos, purge_logs, and the read-only status calls).
package pinloki

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/config"
	"github.com/mariadb-corporation/pinloki/pkg/filereader"
	"github.com/mariadb-corporation/pinloki/pkg/filewriter"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
	"github.com/mariadb-corporation/pinloki/pkg/reader"
	"github.com/mariadb-corporation/pinloki/pkg/transformer"
	"github.com/mariadb-corporation/pinloki/pkg/upstream"
	"github.com/mariadb-corporation/pinloki/pkg/writer"
)

// Service ties together one datadir's components. Methods that read or
// replace the Writer or the master info take Service's own mutex; Run,
// PurgeLogs, ShowMasterStatus and ShowBinlogs do not take it and call
// the Transformer or the Inventory directly.
type Service struct {
	dir string
	cfg config.Config
	log *zap.Logger

	inv  *inventory.Inventory
	tr   *transformer.Transformer
	fw   *filewriter.FileWriter
	keys filewriter.KeyProvider

	mu         sync.Mutex
	masterInfo MasterInfo
	wr         *writer.Writer
	wrCancel   context.CancelFunc
	wrWG       sync.WaitGroup
	wrRunning  bool
	wrLastErr  error
}

// New loads dir's Inventory and MasterInfo and builds the
// FileTransformer and FileWriter. It does not start anything running;
// call Run for the background transformer and StartSlave for
// replication ingestion.
func New(dir string, cfg config.Config, log *zap.Logger) (*Service, error) {
	inv, err := inventory.Load(dir)
	if err != nil {
		return nil, err
	}

	var keys filewriter.KeyProvider
	if cfg.EncryptionKeyID != "" {
		keys = config.FileKeyProvider{Dir: cfg.KeysDir}
	}

	fw := filewriter.New(dir, filewriter.Config{
		ServerID:         cfg.ServerID,
		BaseName:         "pinloki",
		EncryptionKeyID:  cfg.EncryptionKeyID,
		EncryptionCipher: cfg.Cipher(),
	}, inv, keys, log)

	tr := transformer.New(dir, inv, transformer.Config{
		ExpirationMode:             cfg.TransformerExpirationMode(),
		ArchiveDir:                 cfg.ArchiveDir,
		ExpireLogMinimumFiles:      cfg.ExpireLogMinimumFiles,
		ExpireLogDuration:          cfg.ExpireLogDuration,
		CompressionAlgorithm:       cfg.TransformerCompressionAlgorithm(),
		NumberOfNoncompressedFiles: cfg.NumberOfNoncompressedFiles,
		PurgePollTimeout:           cfg.PurgePollTimeout,
	}, log)

	mi, err := loadMasterInfo(dir)
	if err != nil {
		return nil, err
	}

	return &Service{dir: dir, cfg: cfg, log: log, inv: inv, tr: tr, fw: fw, keys: keys, masterInfo: mi}, nil
}

// Run drives the FileTransformer's background rescan/compress/expire
// loop until ctx is cancelled. Callers run it in its own goroutine.
func (s *Service) Run(ctx context.Context) error {
	return s.tr.Run(ctx)
}

// ChangeMaster persists a new upstream connection per spec.md §6.
// master_log_file/master_log_pos are rejected: pinloki only replicates
// by GTID. Valid only while the Writer is stopped.
func (s *Service) ChangeMaster(fields map[string]string) error {
	if _, ok := fields["master_log_file"]; ok {
		return fmt.Errorf("pinloki: master_log_file is not supported, pinloki replicates by GTID only")
	}
	if _, ok := fields["master_log_pos"]; ok {
		return fmt.Errorf("pinloki: master_log_pos is not supported, pinloki replicates by GTID only")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrRunning {
		return fmt.Errorf("pinloki: stop_slave before change_master")
	}

	mi := s.masterInfo
	if v, ok := fields["host"]; ok {
		mi.Host = v
	}
	if v, ok := fields["port"]; ok {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
			return fmt.Errorf("pinloki: invalid port %q: %w", v, err)
		}
		mi.Port = uint16(port)
	}
	if v, ok := fields["user"]; ok {
		mi.User = v
	}
	if v, ok := fields["password"]; ok {
		mi.Password = v
	}
	if v, ok := fields["use_gtid"]; ok {
		mi.UseGTID = v != "" && v != "0" && v != "false"
	}
	if v, ok := fields["ssl"]; ok {
		mi.SSLEnabled = v != "" && v != "0" && v != "false"
	}
	if v, ok := fields["ssl_verify_server_cert"]; ok {
		mi.SSLVerifyServerCert = v != "" && v != "0" && v != "false"
	}

	if err := saveMasterInfo(s.dir, mi); err != nil {
		return err
	}
	s.masterInfo = mi
	s.wr = nil // rebuilt from the new connection details on next start_slave
	return nil
}

// writerConfig builds the writer.Config to use for the next Writer
// instance, from the currently persisted master-info and the Service's
// static configuration.
func (s *Service) writerConfig() writer.Config {
	return writer.Config{
		Upstream: upstream.Config{
			Host:        s.masterInfo.Host,
			Port:        s.masterInfo.Port,
			User:        s.masterInfo.User,
			Password:    s.masterInfo.Password,
			ServerID:    s.cfg.ServerID,
			UseSemiSync: s.cfg.UseSemiSync,
			NetTimeout:  s.cfg.NetTimeout,
		},
		ReconnectDelay: s.cfg.ReconnectDelay,
		DDLOnly:        s.cfg.DDLOnly,
	}
}

// StartSlave begins replication ingestion, reconnecting on recoverable
// errors until ctx is cancelled or StopSlave is called.
func (s *Service) StartSlave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrRunning {
		return fmt.Errorf("pinloki: already running")
	}
	if s.masterInfo.Host == "" && !s.cfg.SelectMaster {
		return fmt.Errorf("pinloki: change_master must be called before start_slave")
	}

	if s.wr == nil {
		wr, err := writer.New(s.dir, s.writerConfig(), s.fw, s.log)
		if err != nil {
			return err
		}
		s.wr = wr
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.wrCancel = cancel
	s.wrRunning = true
	s.wrLastErr = nil
	s.wrWG.Add(1)
	go func() {
		defer s.wrWG.Done()
		err := s.wr.Run(runCtx)
		s.mu.Lock()
		s.wrRunning = false
		s.wrLastErr = err
		s.mu.Unlock()
	}()
	return nil
}

// StopSlave cancels the Writer's run loop and waits for it to exit.
func (s *Service) StopSlave() error {
	s.mu.Lock()
	cancel := s.wrCancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wrWG.Wait()
	return nil
}

// ResetSlave clears the replication position files so the next
// start_slave begins from an empty GtidList. Valid only while stopped.
func (s *Service) ResetSlave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrRunning {
		return fmt.Errorf("pinloki: stop_slave before reset_slave")
	}
	for _, name := range []string{"rpl_state", "requested_rpl_state"} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	s.wr = nil
	return nil
}

// SetGtidSlavePos overrides the resume position (spec.md §6). Valid
// only while the Writer is stopped.
func (s *Service) SetGtidSlavePos(gtids *gtid.List) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrRunning {
		return fmt.Errorf("pinloki: stop_slave before set_gtid_slave_pos")
	}
	if s.wr == nil {
		wr, err := writer.New(s.dir, s.writerConfig(), s.fw, s.log)
		if err != nil {
			return err
		}
		s.wr = wr
	}
	return s.wr.SetGtidSlavePos(gtids)
}

// PurgeLogs removes files strictly before uptoFilename that have no
// reader holding them open (spec.md §4.4).
func (s *Service) PurgeLogs(uptoFilename string) (transformer.PurgeResult, error) {
	return s.tr.Purge(uptoFilename)
}

// ShowMasterStatus reports the last binlog file and its current size.
func (s *Service) ShowMasterStatus() (file string, size int64, err error) {
	name, ok := s.inv.Last()
	if !ok {
		return "", 0, nil
	}
	fi, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return name, 0, err
	}
	return name, fi.Size(), nil
}

// SlaveStatus is the read-only view show_slave_status exposes: IO
// running state, last error and GTID IO position. It has no
// Slave_SQL_Running field and no current file/offset pair.
type SlaveStatus struct {
	SlaveIORunning string // "Yes", "No", "Connecting"
	LastErrno      int
	LastError      string
	GtidIOPos      *gtid.List
	MasterServerID uint32
}

// ShowSlaveStatus reports the Writer's published state.
func (s *Service) ShowSlaveStatus() SlaveStatus {
	s.mu.Lock()
	wr := s.wr
	running := s.wrRunning
	s.mu.Unlock()

	if wr == nil {
		return SlaveStatus{SlaveIORunning: "No", GtidIOPos: gtid.NewList()}
	}
	st := wr.Status()
	ioRunning := "No"
	if running {
		ioRunning = "Connecting"
		if st.Connected {
			ioRunning = "Yes"
		}
	}
	ss := SlaveStatus{SlaveIORunning: ioRunning, GtidIOPos: st.CurrentGtidList, MasterServerID: st.MasterServerID}
	if st.LastError != nil {
		ss.LastErrno = 1
		ss.LastError = st.LastError.Error()
	}
	return ss
}

// ShowBinlogs lists the retained files in inventory order.
func (s *Service) ShowBinlogs() []string {
	return s.inv.FileNames()
}

// GtidIOPos reports the Writer's current replication position, or an
// empty GtidList if no Writer has been started yet.
func (s *Service) GtidIOPos() *gtid.List {
	s.mu.Lock()
	wr := s.wr
	s.mu.Unlock()
	if wr == nil {
		return gtid.NewList()
	}
	return wr.Status().CurrentGtidList
}

// MasterGtidWait polls every second for up to timeout for the current
// replication position to include target (spec.md §6). Returns false
// on timeout.
func (s *Service) MasterGtidWait(ctx context.Context, target *gtid.List, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	if s.GtidIOPos().IsIncluded(target) {
		return true, nil
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			if s.GtidIOPos().IsIncluded(target) {
				return true, nil
			}
		}
	}
}

// NewReader builds a Reader for one downstream session requesting
// events from requested onward, wired to this Service's Inventory and
// live replication state.
func (s *Service) NewReader(requested *gtid.List, send reader.Sender, bp reader.BackPressure, abort func(error), cfg reader.Config) *reader.Reader {
	r := reader.New(s.dir, s.inv, requested, filereader.Config{ServerID: s.cfg.ServerID},
		writerStateSource{s}, send, bp, abort, cfg, s.log)
	if s.cfg.EncryptionKeyID != "" {
		if _, key, err := s.keys.Fetch(s.cfg.EncryptionKeyID); err == nil {
			r.SetEncryption(s.cfg.Cipher(), key)
		}
	}
	return r
}

// writerStateSource adapts Service to reader.StateSource.
type writerStateSource struct {
	s *Service
}

func (w writerStateSource) CurrentGtidList() *gtid.List {
	return w.s.GtidIOPos()
}
