package mtc

import (
	"sync"
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"mtcsync/pkg/timecode"
)

// recorder is a Sender that keeps a copy of every message.
type recorder struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func (r *recorder) Send(msg midi.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, append(midi.Message(nil), msg...))
	return nil
}

func (r *recorder) Messages() []midi.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]midi.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// last returns the most recent message or fails the test.
func (r *recorder) last(t *testing.T) midi.Message {
	t.Helper()
	msgs := r.Messages()
	if len(msgs) == 0 {
		t.Fatal("Expected at least one message, got none")
	}
	return msgs[len(msgs)-1]
}

func mustParse(t *testing.T, s string, rate timecode.FrameRate) timecode.Timecode {
	t.Helper()
	tc, err := timecode.Parse(s, rate)
	if err != nil {
		t.Fatalf("Parse(%q, %s) failed: %v", s, rate, err)
	}
	return tc
}

func isQuarterFrame(msg midi.Message) bool {
	return len(msg) == 2 && msg[0] == StatusQuarterFrame
}

func isFullFrame(msg midi.Message) bool {
	return len(msg) == fullFrameLen && msg[0] == StatusSysExStart
}

func countFullFrames(msgs []midi.Message) int {
	n := 0
	for _, m := range msgs {
		if isFullFrame(m) {
			n++
		}
	}
	return n
}
