package midiport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"

	"mtcsync/internal/metrics"
	"mtcsync/pkg/models"
	"mtcsync/pkg/mtc"
	"mtcsync/pkg/timecode"
)

// Monitor decodes incoming MTC from a MIDI input and keeps the last
// position for status queries.
type Monitor struct {
	port    string
	metrics *metrics.Metrics

	decoder    *mtc.Decoder
	connected  bool
	messages   uint64
	failures   uint64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewMonitor creates a monitor for the named input. A zero rate reports
// positions at the base rate of the incoming stream.
func NewMonitor(port string, rate timecode.FrameRate, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		port:    port,
		metrics: m,
		decoder: mtc.NewDecoder(rate),
	}

	mon.decoder.OnUpdate(func(u mtc.Update) {
		mon.lastUpdate = time.Now()
		if mon.metrics != nil {
			mon.metrics.RecordDecoderUpdate(u.Type)
		}
	})
	mon.decoder.OnRateChanged(func(rate mtc.FrameRate) {
		slog.Info("midiport: incoming MTC rate", "port", mon.port, "rate", rate.String())
		if mon.metrics != nil {
			mon.metrics.RecordDecoderRateChange()
		}
	})

	return mon
}

// Run listens on the input until ctx is cancelled
func (mon *Monitor) Run(ctx context.Context) error {
	in, err := midi.FindInPort(mon.port)
	if err != nil {
		return errors.Wrapf(err, "finding MIDI input %q", mon.port)
	}

	stop, err := midi.ListenTo(in, mon.listen,
		midi.UseSysEx(),
		midi.UseTimeCode(),
		midi.HandleError(func(err error) {
			slog.Warn("midiport: input error", "port", mon.port, "error", err)
			mon.setConnected(false)
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "listening on MIDI input %q", mon.port)
	}
	mon.setConnected(true)
	slog.Info("midiport: monitoring input", "port", in.String())

	<-ctx.Done()

	stop()
	in.Close()
	mon.setConnected(false)

	slog.Info("midiport: monitor stopped", "port", mon.port)
	return nil
}

func (mon *Monitor) listen(msg midi.Message, _ int32) {
	if err := mon.Handle(msg); err != nil {
		slog.Debug("midiport: rejected MTC", "port", mon.port, "error", err)
	}
}

func (mon *Monitor) setConnected(connected bool) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.connected = connected
}

// Handle feeds one message to the decoder. Non-MTC input is ignored.
func (mon *Monitor) Handle(msg midi.Message) error {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	err := mon.decoder.Receive(msg)
	if errors.Is(err, mtc.ErrNotMTC) {
		return nil
	}

	mon.messages++
	if err != nil {
		mon.failures++
		if mon.metrics != nil {
			mon.metrics.RecordDecoderError(err)
		}
	}
	return err
}

// Status reports the decoder state and last position
func (mon *Monitor) Status() models.MonitorStatus {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	status := models.MonitorStatus{
		Port:      mon.port,
		Connected: mon.connected,
		State:     mon.decoder.State().String(),
		Direction: mon.decoder.Direction().String(),
		Messages:  mon.messages,
		Errors:    mon.failures,
	}
	if tc, ok := mon.decoder.Timecode(); ok {
		status.Timecode = tc.String()
		status.FrameRate = tc.FrameRate.String()
	}
	if rate, ok := mon.decoder.MTCFrameRate(); ok {
		status.MTCFrameRate = rate.String()
	}
	if !mon.lastUpdate.IsZero() {
		status.LastUpdate = mon.lastUpdate.Format(time.RFC3339Nano)
	}
	return status
}
