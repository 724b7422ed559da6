package notify

import (
	"errors"
	"strings"
	"testing"

	"github.com/trymwestin/beoremote/internal/core/state"
)

const (
	volumeFrame   = `{"notification":{"timestamp":1,"type":"VOLUME","kind":"renderer","data":{"speaker":{"level":45}}}}`
	progressFrame = `{"notification":{"timestamp":2,"type":"PROGRESS_INFORMATION","kind":"playing","data":{"state":"play","position":31}}}`
)

func feedAll(f *Framer, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		for _, frame := range f.Feed([]byte(c)) {
			out = append(out, string(frame))
		}
	}
	return out
}

func TestFramerSplitsOnDelimiter(t *testing.T) {
	stream := "A\r\n\r\nB\r\n\r\n"

	// Every split point of the stream, including none.
	for i := 0; i <= len(stream); i++ {
		var f Framer
		got := feedAll(&f, stream[:i], stream[i:])
		if len(got) != 2 || got[0] != "A" || got[1] != "B" {
			t.Errorf("split at %d: got %q", i, got)
		}
		if f.Buffered() != 0 {
			t.Errorf("split at %d: %d bytes left buffered", i, f.Buffered())
		}
	}
}

func TestFramerByteByByte(t *testing.T) {
	stream := "A\r\n\r\nB\r\n\r\n"
	var f Framer
	var chunks []string
	for i := 0; i < len(stream); i++ {
		chunks = append(chunks, stream[i:i+1])
	}
	got := feedAll(&f, chunks...)
	if strings.Join(got, ",") != "A,B" {
		t.Errorf("got %q, want [A B]", got)
	}
}

func TestFramerSkipsEmptyFrames(t *testing.T) {
	var f Framer
	got := feedAll(&f, "\r\n\r\n\r\n\r\nA\r\n\r\n\r\n\r\n")
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("got %q, want [A]", got)
	}
}

func TestFramerKeepsRemainder(t *testing.T) {
	var f Framer
	if got := feedAll(&f, "A\r\n\r\nB-partial"); len(got) != 1 {
		t.Fatalf("got %q", got)
	}
	if f.Buffered() != len("B-partial") {
		t.Errorf("Buffered() = %d", f.Buffered())
	}
	f.Reset()
	if got := feedAll(&f, "C\r\n\r\n"); len(got) != 1 || got[0] != "C" {
		t.Errorf("after reset got %q, want [C]", got)
	}
}

func TestFramerFramesDoNotAliasBuffer(t *testing.T) {
	var f Framer
	frames := f.Feed([]byte("AAAA\r\n\r\nBB"))
	f.Feed([]byte("CCCCCCCC\r\n\r\n"))
	if string(frames[0]) != "AAAA" {
		t.Errorf("frame changed to %q", frames[0])
	}
}

func TestMalformedFrameDoesNotStopStream(t *testing.T) {
	stream := volumeFrame + "\r\n\r\n" + `{"notification": {broken` + "\r\n\r\n" + progressFrame + "\r\n\r\n"

	var f Framer
	var events []state.Event
	var parseErrs []error
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		for _, frame := range f.Feed([]byte(stream[i:end])) {
			evt, ok, err := Decode(frame)
			if err != nil {
				parseErrs = append(parseErrs, err)
				continue
			}
			if ok {
				events = append(events, evt)
			}
		}
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != state.EventVolume || events[1].Type != state.EventState {
		t.Errorf("event order = %s, %s", events[0].Type, events[1].Type)
	}
	if len(parseErrs) != 1 {
		t.Fatalf("got %d parse errors, want 1", len(parseErrs))
	}
	if !errors.Is(parseErrs[0], ErrParse) {
		t.Errorf("error %v is not ErrParse", parseErrs[0])
	}
}
