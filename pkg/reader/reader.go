// Package reader implements the Reader: the per-downstream session
// that owns a FileReader, paces delivery against back-pressure, and
// emits heartbeats on an idle connection (spec.md §4.8).
package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/pinloki/pkg/binlogevent"
	"github.com/mariadb-corporation/pinloki/pkg/encrypt"
	"github.com/mariadb-corporation/pinloki/pkg/filereader"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/inventory"
)

// State is the Reader's position in the state machine of spec.md §4.8.
type State int

const (
	StateStart State = iota
	StateWaitForCatchup
	StateStreaming
	StatePaused
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateWaitForCatchup:
		return "WaitForCatchup"
	case StateStreaming:
		return "Streaming"
	case StatePaused:
		return "Paused"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// StateSource reports the live replication position (the Writer's
// current_gtid_list), used only at startup to decide whether to stream
// immediately or wait for the Writer to catch up.
type StateSource interface {
	CurrentGtidList() *gtid.List
}

// Sender delivers one wire-formatted event to the downstream
// connection. A non-nil error is treated as fatal to the session.
type Sender interface {
	Send(ev *binlogevent.Event) error
}

// BackPressure reports whether the downstream write buffer is above
// its high-water mark. Implementations own the high/low hysteresis
// themselves (spec.md §4.8: "on reaching it the Reader stops draining;
// on return to a low-water mark the Reader resumes") — Asserted only
// needs to flip back to false once the low-water mark is reached.
type BackPressure interface {
	Asserted() bool
}

// Config tunes the Reader's scheduling. Zero-value fields take the
// documented defaults.
type Config struct {
	BatchBudget       time.Duration // default 1ms, spec.md §4.8
	CatchupPoll       time.Duration // default 1s
	HeartbeatTick     time.Duration // default 1s, the "delayed call" period
	HeartbeatInterval time.Duration // configured heartbeat_interval
	PausePoll         time.Duration // default 200ms, how often a paused Reader rechecks back-pressure
	IdlePoll          time.Duration // default 50ms, how often an empty drain retries
}

func (c Config) withDefaults() Config {
	if c.BatchBudget <= 0 {
		c.BatchBudget = time.Millisecond
	}
	if c.CatchupPoll <= 0 {
		c.CatchupPoll = time.Second
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 200 * time.Millisecond
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 50 * time.Millisecond
	}
	return c
}

// Reader is one downstream streaming session. It is not safe for
// concurrent use beyond State/LastError, which are safe to poll from
// another goroutine.
type Reader struct {
	dir           string
	inv           *inventory.Inventory
	requested     *gtid.List
	frCfg         filereader.Config
	encryptCipher encrypt.Cipher
	encryptKey    []byte
	state         StateSource
	send          Sender
	bp            BackPressure
	abort         func(error)
	cfg           Config
	log           *zap.Logger

	mu        sync.Mutex
	fsm       State
	lastErr   error
	lastSend  time.Time

	fr *filereader.FileReader
}

// New builds a Reader for one downstream session requesting events
// from requested onward. abort is called exactly once, from Run's
// goroutine, if the session ends in StateAborted.
func New(dir string, inv *inventory.Inventory, requested *gtid.List, frCfg filereader.Config,
	state StateSource, send Sender, bp BackPressure, abort func(error), cfg Config, log *zap.Logger) *Reader {
	return &Reader{
		dir: dir, inv: inv, requested: requested, frCfg: frCfg,
		state: state, send: send, bp: bp, abort: abort,
		cfg: cfg.withDefaults(), log: log, fsm: StateStart,
	}
}

// SetEncryption installs the cipher and key an encrypted datadir's
// files were written with, so the Reader's FileReader can decrypt
// them. Must be called before Run if any file it will stream could be
// encrypted; a plaintext-only datadir never needs it.
func (r *Reader) SetEncryption(mode encrypt.Cipher, key []byte) {
	r.encryptCipher = mode
	r.encryptKey = key
}

// State returns the Reader's current state machine position.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm
}

func (r *Reader) setState(s State) {
	r.mu.Lock()
	r.fsm = s
	r.mu.Unlock()
}

// Run drives the Reader until ctx is cancelled or the session aborts.
// It blocks for the Reader's lifetime; callers run it in its own
// goroutine, one per downstream (spec.md §5: "Reader workers").
func (r *Reader) Run(ctx context.Context) {
	if !r.state.CurrentGtidList().IsIncluded(r.requested) {
		r.setState(StateWaitForCatchup)
		if !r.waitForCatchup(ctx) {
			return
		}
	}

	frCfg := r.frCfg
	if r.encryptKey != nil {
		frCfg.EncryptCipher = r.encryptCipher
		frCfg.EncryptKey = r.encryptKey
	}
	fr, err := filereader.New(r.dir, r.inv, r.requested, frCfg, r.log)
	if err != nil {
		r.doAbort(err)
		return
	}
	r.fr = fr
	defer fr.Close()

	r.setState(StateStreaming)
	r.streamLoop(ctx)
}

// waitForCatchup blocks until the Writer's current_gtid_list includes
// the requested position, rechecking on every tick. Returns false if
// ctx is cancelled first.
func (r *Reader) waitForCatchup(ctx context.Context) bool {
	ticker := time.NewTicker(r.cfg.CatchupPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if r.state.CurrentGtidList().IsIncluded(r.requested) {
				return true
			}
		}
	}
}

// streamLoop implements the Streaming/Paused half of the state
// machine: drain in 1ms-budgeted batches, yield between batches, pause
// for back-pressure, resume when it clears, abort on a fatal error.
func (r *Reader) streamLoop(ctx context.Context) {
	heartbeat := time.NewTicker(r.cfg.HeartbeatTick)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.maybeSendHeartbeat(); err != nil {
				r.doAbort(err)
				return
			}
			continue
		default:
		}

		if r.bp.Asserted() {
			r.setState(StatePaused)
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := r.maybeSendHeartbeat(); err != nil {
					r.doAbort(err)
					return
				}
			case <-time.After(r.cfg.PausePoll):
			}
			continue
		}
		r.setState(StateStreaming)

		sent, err := r.drainBatch(ctx)
		if err != nil {
			r.doAbort(err)
			return
		}
		if sent == 0 {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := r.maybeSendHeartbeat(); err != nil {
					r.doAbort(err)
					return
				}
			case <-time.After(r.cfg.IdlePoll):
			}
		}
	}
}

// drainBatch sends events for up to cfg.BatchBudget, stopping early on
// back-pressure or once the FileReader has nothing more buffered
// (spec.md §4.8: "stop when (a) the batch budget elapses, (b)
// back-pressure is asserted, or (c) the FileReader yields no more
// events").
func (r *Reader) drainBatch(ctx context.Context) (int, error) {
	budget, cancel := context.WithTimeout(ctx, r.cfg.BatchBudget)
	defer cancel()

	sent := 0
	for {
		if r.bp.Asserted() {
			return sent, nil
		}
		ev, err := r.fr.Next(budget)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return sent, nil
			}
			return sent, err
		}
		if err := r.send.Send(ev); err != nil {
			return sent, err
		}
		sent++
		if ev.Header.Type != binlogevent.HeartbeatEvent {
			r.mu.Lock()
			r.lastSend = time.Now()
			r.mu.Unlock()
		}
	}
}

// maybeSendHeartbeat emits a synthetic HEARTBEAT for the current file
// if no real event has been sent for heartbeat_interval (spec.md §4.8,
// §6 invariant 9). A nil FileReader (still WaitForCatchup) has no
// current file to name, so it sends nothing.
func (r *Reader) maybeSendHeartbeat() error {
	if r.fr == nil {
		return nil
	}
	r.mu.Lock()
	idle := time.Since(r.lastSend)
	r.mu.Unlock()
	if idle < r.cfg.HeartbeatInterval {
		return nil
	}
	if err := r.send.Send(r.fr.Heartbeat()); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastSend = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *Reader) doAbort(err error) {
	r.mu.Lock()
	r.fsm = StateAborted
	r.lastErr = err
	r.mu.Unlock()
	r.log.Warn("reader: aborting downstream session", zap.Error(err))
	if r.abort != nil {
		r.abort(err)
	}
}

// LastError returns the error that caused StateAborted, or nil.
func (r *Reader) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
