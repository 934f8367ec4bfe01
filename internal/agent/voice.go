package agent

import (
	"strings"
	"sync"
	"time"
)

// voiceFilter strips [bracketed_tag] markup from streamed deltas before
// they reach the TTS client. Tags may span chunk boundaries, so the filter
// buffers from an opening bracket until it sees the close.
type voiceFilter struct {
	sink    func(string)
	pending strings.Builder
	inTag   bool
}

func newVoiceFilter(sink func(string)) *voiceFilter {
	return &voiceFilter{sink: sink}
}

// Write filters one delta and forwards the speakable remainder.
func (f *voiceFilter) Write(delta string) {
	var out strings.Builder
	for _, r := range delta {
		switch {
		case f.inTag:
			if r == ']' {
				f.inTag = false
				f.pending.Reset()
			} else {
				f.pending.WriteRune(r)
			}
		case r == '[':
			f.inTag = true
		default:
			out.WriteRune(r)
		}
	}
	if s := out.String(); s != "" {
		f.sink(s)
	}
}

// Flush releases buffered text from an unclosed bracket at end of stream.
func (f *voiceFilter) Flush() {
	if f.inTag && f.pending.Len() > 0 {
		f.sink("[" + f.pending.String())
	}
	f.inTag = false
	f.pending.Reset()
}

// FillerSchedule times the spoken progress acknowledgements while a tool
// call is outstanding.
type FillerSchedule struct {
	Delays  []time.Duration
	Phrases []string
}

// DefaultFillerSchedule speaks at 900ms, 4.2s and 8s.
func DefaultFillerSchedule() FillerSchedule {
	return FillerSchedule{
		Delays: []time.Duration{
			900 * time.Millisecond,
			4200 * time.Millisecond,
			8 * time.Second,
		},
		Phrases: []string{
			"One moment.",
			"Still working on it.",
			"This is taking a little longer than usual.",
		},
	}
}

// start schedules the fillers for one tool call. The returned stop func
// cancels any not-yet-fired filler; it is safe to call more than once.
func (s FillerSchedule) start(onFiller func(string)) func() {
	done := make(chan struct{})
	var once sync.Once

	timers := make([]*time.Timer, 0, len(s.Delays))
	for i, delay := range s.Delays {
		phrase := "Still working."
		if i < len(s.Phrases) {
			phrase = s.Phrases[i]
		}
		timers = append(timers, time.AfterFunc(delay, func() {
			select {
			case <-done:
			default:
				onFiller(phrase)
			}
		}))
	}

	return func() {
		once.Do(func() {
			close(done)
			for _, t := range timers {
				t.Stop()
			}
		})
	}
}
