// Package writer implements the Writer: the single-domain-aware
// ingestion pipeline that connects to one upstream, recognises
// transaction boundaries, drives the FileWriter, and persists
// replication state at commit boundaries (spec.md §4.7).
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/binlogevent"
	"github.com/mariadb-corporation/pinloki/pkg/filewriter"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/pinlokierr"
	"github.com/mariadb-corporation/pinloki/pkg/upstream"
)

// Config carries everything the Writer needs to connect upstream and
// decide what to keep (spec.md §4.7, §6).
type Config struct {
	Upstream       upstream.Config
	ReconnectDelay time.Duration // default 1s, per spec.md §4.7 step 6
	DDLOnly        bool          // spec.md: "ddl_only mode"
}

// Writer is a single-domain-aware ingestion pipeline: one upstream
// connection, one FileWriter, one rpl_state file. Run blocks for the
// Writer's lifetime; Status is safe to call concurrently.
type Writer struct {
	dir string
	cfg Config
	fw  *filewriter.FileWriter
	log *zap.Logger

	mu            sync.Mutex
	current       *gtid.List
	masterServer  uint32
	connected     bool
	lastErr       error
	running       bool
	commitOnQuery bool
	wasDDL        bool
}

// New builds a Writer over dir, loading rpl_state (and, if present,
// requested_rpl_state) to establish the starting replication position.
func New(dir string, cfg Config, fw *filewriter.FileWriter, log *zap.Logger) (*Writer, error) {
	current, err := loadRplState(dir)
	if err != nil {
		return nil, err
	}
	if requested, err := loadRequestedRplState(dir); err != nil {
		return nil, err
	} else if requested != nil {
		current = requested
	}
	fw.SetGtidList(current)
	return &Writer{dir: dir, cfg: cfg, fw: fw, log: log, current: current}, nil
}

// Status is an immutable snapshot of the Writer's published state
// (spec.md §5: "Writer: upstream socket read... Publishes
// current_gtid_list, last-known master id, and connection state under a
// mutex").
type Status struct {
	CurrentGtidList *gtid.List
	MasterServerID  uint32
	Connected       bool
	LastError       error
}

// Status returns a copy of the Writer's current published state.
func (w *Writer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		CurrentGtidList: w.current.Clone(),
		MasterServerID:  w.masterServer,
		Connected:       w.connected,
		LastError:       w.lastErr,
	}
}

// SetGtidSlavePos overrides the Writer's resume position. Valid only
// while the Writer is not running, and rejects any position already
// included in rpl_state ("time travel is not supported", spec.md §6).
func (w *Writer) SetGtidSlavePos(requested *gtid.List) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("writer: cannot set_gtid_slave_pos while running")
	}
	if w.current.IsIncluded(requested) {
		return fmt.Errorf("writer: time travel is not supported: rpl_state already includes %s", requested)
	}
	w.current = requested.Clone()
	w.fw.SetGtidList(w.current)
	return saveRplState(w.dir, w.current)
}

// Run connects to the upstream and streams events until ctx is
// cancelled (spec.md §4.7). After a DatabaseError or a BinlogWriteError
// it records the error, waits ReconnectDelay and reconnects. It returns
// nil only when ctx is cancelled; any other return is a fatal error
// (e.g. EncryptionError, BinlogReadError, ChecksumDisabledError).
func (w *Writer) Run(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.connected = false
		w.mu.Unlock()
	}()

	delay := w.cfg.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := w.runOnce(ctx)
		if err == nil {
			return nil
		}
		if !pinlokierr.Recoverable(err) && !pinlokierr.Is(err, pinlokierr.KindBinlogWrite) {
			return err
		}
		w.recordError(err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce connects once and streams events until the connection drops
// or ctx is cancelled. A nil return with ctx cancelled means clean
// shutdown; any other return is handed back to Run's reconnect policy.
func (w *Writer) runOnce(ctx context.Context) error {
	w.mu.Lock()
	from := w.current.Clone()
	w.mu.Unlock()

	conn, err := upstream.Connect(w.cfg.Upstream, from)
	if err != nil {
		return err
	}
	defer conn.Close()

	w.mu.Lock()
	w.connected = true
	w.lastErr = nil
	w.masterServer = 0
	w.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := conn.NextRaw(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ev, err := binlogevent.Parse(raw)
		if err != nil {
			return pinlokierr.BinlogRead("writer.runOnce", err)
		}
		if err := w.handleEvent(ev); err != nil {
			return err
		}
	}
}

// handleEvent implements spec.md §4.7 step 4: recognise transaction
// boundaries, forward the event to FileWriter, and persist rpl_state
// once the event that closes a transaction is durable.
func (w *Writer) handleEvent(ev *binlogevent.Event) error {
	if ev.Header.Type != binlogevent.HeartbeatEvent {
		w.mu.Lock()
		if w.masterServer == 0 {
			w.masterServer = ev.Header.ServerID
		}
		w.mu.Unlock()
	}

	switch ev.Header.Type {
	case binlogevent.FormatDescriptionEvent:
		if err := w.checkChecksum(ev); err != nil {
			return err
		}
		return w.fw.AddEvent(ev)

	case binlogevent.GTIDEvent:
		body, _ := ev.WithChecksum()
		g, err := binlogevent.DecodeGTIDEvent(body)
		if err != nil {
			return pinlokierr.BinlogRead("writer.handleEvent", err)
		}
		w.mu.Lock()
		w.current.Replace(g.Gtid(ev.Header.ServerID))
		w.commitOnQuery = g.Flags&binlogevent.FlagStandalone != 0
		w.wasDDL = g.Flags&binlogevent.FlagDDL != 0
		w.mu.Unlock()
		w.fw.BeginTxn()
		return w.fw.AddEvent(ev)

	case binlogevent.QueryEvent:
		if err := w.fw.AddEvent(ev); err != nil {
			return err
		}
		q, err := binlogevent.DecodeQuery(ev)
		if err != nil {
			return pinlokierr.BinlogRead("writer.handleEvent", err)
		}
		w.mu.Lock()
		commitOnQuery := w.commitOnQuery
		w.mu.Unlock()
		if commitOnQuery {
			w.mu.Lock()
			w.commitOnQuery = false
			w.mu.Unlock()
			return w.commit()
		}
		if q.IsCommit() {
			return w.commit()
		}
		return nil

	case binlogevent.XIDEvent:
		if err := w.fw.AddEvent(ev); err != nil {
			return err
		}
		return w.commit()

	default:
		w.mu.Lock()
		wasDDL := w.wasDDL
		w.mu.Unlock()
		if w.cfg.DDLOnly && !wasDDL && binlogevent.IsRowEvent(ev.Header.Type) {
			return nil
		}
		return w.fw.AddEvent(ev)
	}
}

// commit flushes the buffered transaction and persists rpl_state, in
// that order — rpl_state must never claim a GTID not yet durable in the
// file (spec.md §8 property: "rpl_state is updated strictly after the
// event that advances it is durable in the file").
func (w *Writer) commit() error {
	if err := w.fw.CommitTxn(); err != nil {
		return err
	}
	w.mu.Lock()
	current := w.current.Clone()
	w.mu.Unlock()
	if err := saveRplState(w.dir, current); err != nil {
		return err
	}
	return clearRequestedRplState(w.dir)
}

func (w *Writer) checkChecksum(ev *binlogevent.Event) error {
	body, hasChecksum := ev.WithChecksum()
	fd, err := binlogevent.DecodeFormatDescription(body, hasChecksum)
	if err != nil {
		return pinlokierr.BinlogRead("writer.checkChecksum", err)
	}
	if fd.ChecksumAlgorithm != binlogevent.ChecksumCRC32 {
		return pinlokierr.ChecksumDisabled("writer.checkChecksum")
	}
	return nil
}

func (w *Writer) recordError(err error) {
	w.mu.Lock()
	w.connected = false
	w.lastErr = err
	w.mu.Unlock()
	w.log.Warn("writer: upstream error, reconnecting", zap.Error(err))
}
