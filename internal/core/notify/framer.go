// Package notify frames the device's notification stream and turns each
// notification into a domain event.
//
// The stream is an endless HTTP body of JSON documents, each terminated by
// "\r\n\r\n". Chunk boundaries from the network carry no meaning; Framer
// accumulates bytes until a full document is available.
package notify

import "bytes"

// Delimiter separates notifications on the wire.
var Delimiter = []byte("\r\n\r\n")

// Framer splits an arbitrary byte stream into delimited frames. It is not
// safe for concurrent use; each session owns its own Framer.
type Framer struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns every complete, non-empty
// frame it now contains, in stream order. The unterminated remainder is kept
// for the next call. Returned slices do not alias the internal buffer.
func (f *Framer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for {
		idx := bytes.Index(f.buf, Delimiter)
		if idx < 0 {
			break
		}
		if idx > 0 {
			frames = append(frames, bytes.Clone(f.buf[:idx]))
		}
		f.buf = f.buf[idx+len(Delimiter):]
	}

	// Compact so a long-lived stream does not pin consumed bytes.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64*1024 {
		f.buf = bytes.Clone(f.buf)
	}
	return frames
}

// Buffered returns the number of bytes waiting for a delimiter.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.buf = nil
}
