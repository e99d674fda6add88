package mtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mtcsync/pkg/timecode"
)

var ErrGeneratorClosed = errors.New("mtc: generator closed")

// GeneratorState is the generator's run state.
type GeneratorState int32

const (
	GeneratorIdle GeneratorState = iota
	GeneratorGenerating
)

func (s GeneratorState) String() string {
	if s == GeneratorGenerating {
		return "generating"
	}
	return "idle"
}

// Generator drives an Encoder in real time: one quarter-frame per tick at
// the located frame rate. All encoder access happens on a single goroutine;
// the exported methods hand work to it and wait for the result.
type Generator struct {
	encoder *Encoder

	commands  chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	state atomic.Int32

	// Owned by the lane goroutine.
	ticker      *time.Ticker
	interval    time.Duration
	shouldStart bool
	generation  uint64
}

// NewGenerator creates an idle generator emitting to out.
// Close must be called to release its goroutine.
func NewGenerator(out Sender) *Generator {
	g := &Generator{
		encoder:  NewEncoder(out),
		commands: make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	g.interval = QuarterFrameInterval(g.encoder.LocalFrameRate())

	go g.run()
	return g
}

func (g *Generator) run() {
	defer close(g.done)

	for {
		var tick <-chan time.Time
		if g.ticker != nil {
			tick = g.ticker.C
		}

		select {
		case fn := <-g.commands:
			fn()

		case <-tick:
			g.encoder.Increment()

		case <-g.quit:
			g.stopTimer()
			return
		}
	}
}

// do runs fn on the lane and waits for it to finish.
func (g *Generator) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case g.commands <- func() {
		defer close(finished)
		fn()
	}:
	case <-g.quit:
		return ErrGeneratorClosed
	}
	<-finished
	return nil
}

// post queues fn on the lane without waiting for it.
func (g *Generator) post(fn func()) {
	select {
	case g.commands <- fn:
	case <-g.quit:
	}
}

// Locate moves the encoder to tc and retunes the tick interval for its rate.
// A running generator keeps running from the new position.
func (g *Generator) Locate(tc timecode.Timecode, policy FullFramePolicy) error {
	var err error
	if doErr := g.do(func() {
		if err = g.encoder.Locate(tc, policy); err == nil {
			g.setInterval(tc.FrameRate)
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// LocateComponents is Locate for bare components; a zero rate keeps the
// current rate.
func (g *Generator) LocateComponents(c timecode.Components, rate timecode.FrameRate, policy FullFramePolicy) error {
	var err error
	if doErr := g.do(func() {
		if rate == 0 {
			rate = g.encoder.LocalFrameRate()
		}
		if err = g.encoder.LocateComponents(c, rate, policy); err == nil {
			g.setInterval(rate)
		}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Start begins generating from now. With non-zero subframes the stream starts
// at the next whole frame, after the remaining fraction of a frame has
// elapsed, so the receiver never sees a jittered first frame. Start does not
// transmit a full-frame message; Locate first if one is wanted.
func (g *Generator) Start(now timecode.Timecode) error {
	if err := now.Validate(); err != nil {
		return fmt.Errorf("mtc: start: %w", err)
	}

	return g.do(func() {
		g.stopTimer()
		g.generation++
		g.shouldStart = true
		g.state.Store(int32(GeneratorGenerating))

		if now.Subframes == 0 {
			g.locateAndRun(now)
			return
		}

		generation := g.generation
		next := now.WholeFrame().Add(1)
		remaining := timecode.SubframeDivisor - now.Subframes
		delay := now.FrameRate.FrameDuration() * time.Duration(remaining) / timecode.SubframeDivisor

		slog.Debug("mtc: aligning generator start to frame boundary",
			"now", now.String(),
			"start", next.String(),
			"delay", delay,
		)

		time.AfterFunc(delay, func() {
			g.post(func() {
				if !g.shouldStart || g.generation != generation {
					return
				}
				g.locateAndRun(next)
			})
		})
	})
}

// Stop halts generation. A start still waiting for its frame boundary is
// cancelled. MTC has no stop message; receivers see the stream end.
func (g *Generator) Stop() error {
	return g.do(func() {
		g.shouldStart = false
		g.generation++
		g.stopTimer()
		g.state.Store(int32(GeneratorIdle))
	})
}

// State returns the current run state. Safe from any goroutine.
func (g *Generator) State() GeneratorState {
	return GeneratorState(g.state.Load())
}

// Timecode returns the encoder's current position.
func (g *Generator) Timecode() (timecode.Timecode, error) {
	var tc timecode.Timecode
	err := g.do(func() {
		tc = g.encoder.Timecode()
	})
	return tc, err
}

// Interval returns the current tick period.
func (g *Generator) Interval() (time.Duration, error) {
	var d time.Duration
	err := g.do(func() {
		d = g.interval
	})
	return d, err
}

// LocalFrameRate returns the rate of the last located position.
func (g *Generator) LocalFrameRate() (timecode.FrameRate, error) {
	var rate timecode.FrameRate
	err := g.do(func() {
		rate = g.encoder.LocalFrameRate()
	})
	return rate, err
}

// Close stops generation and the lane goroutine. It is idempotent.
func (g *Generator) Close() error {
	g.closeOnce.Do(func() {
		close(g.quit)
		<-g.done
		g.state.Store(int32(GeneratorIdle))
	})
	return nil
}

func (g *Generator) locateAndRun(tc timecode.Timecode) {
	if err := g.encoder.Locate(tc, FullFrameNever); err != nil {
		slog.Error("mtc: generator could not locate", "timecode", tc.String(), "error", err)
		g.state.Store(int32(GeneratorIdle))
		return
	}
	g.setInterval(tc.FrameRate)
	g.encoder.Increment()
	g.ticker = time.NewTicker(g.interval)
}

func (g *Generator) setInterval(rate timecode.FrameRate) {
	interval := QuarterFrameInterval(rate)
	if interval <= 0 || interval == g.interval {
		return
	}
	g.interval = interval
	if g.ticker != nil {
		g.ticker.Reset(interval)
	}
}

func (g *Generator) stopTimer() {
	if g.ticker != nil {
		g.ticker.Stop()
		g.ticker = nil
	}
}
