package agentloop

import (
	"context"
	"sync"
	"time"

	"github.com/steveyegge/pilot/internal/eventlog"
)

// Poller drives one Loop's Tick in the background at spec §4.12's dual
// rate: ActiveInterval while the session is doing anything but IDLE,
// IdleInterval while it's IDLE waiting for work. Grounded on
// internal/feed.Curator's ctx+cancel+sync.Once+WaitGroup Start/Stop shape.
type Poller struct {
	Loop           *Loop
	SessionID      string
	ActiveInterval time.Duration
	IdleInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
}

// NewPoller returns a Poller for sessionID, using the given active/idle
// tick intervals.
func NewPoller(loop *Loop, sessionID string, activeInterval, idleInterval time.Duration) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		Loop: loop, SessionID: sessionID,
		ActiveInterval: activeInterval, IdleInterval: idleInterval,
		ctx: ctx, cancel: cancel,
	}
}

// Start begins the polling goroutine. Safe to call concurrently; only the
// first call starts it.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
}

// Stop cancels the poller and waits for its goroutine to exit.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run() {
	defer p.wg.Done()

	interval := p.IdleInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
			state := p.tick()
			interval = p.IdleInterval
			if state != StateIdle {
				interval = p.ActiveInterval
			}
			timer.Reset(interval)
		}
	}
}

// tick runs one Tick and reports the resulting state, logging errors
// rather than killing the goroutine — a single bad tick shouldn't take the
// whole poller down; the next tick gets another chance.
func (p *Poller) tick() State {
	if err := p.Loop.Tick(p.ctx, p.SessionID); err != nil {
		if log := p.Loop.log; log != nil {
			_ = log.Append(eventlog.ScanError, p.SessionID, map[string]any{"source": "agentloop_tick", "error": err.Error()})
		}
		return StateIdle
	}
	st, err := p.Loop.store.Load(p.SessionID)
	if err != nil {
		return StateIdle
	}
	return st.State
}
