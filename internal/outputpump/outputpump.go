// Package outputpump reads a child instance's stdout/stderr, feeding each
// captured line into a TailBuffer and publishing it on the EventBus
// (spec.md §4.3).
package outputpump

import (
	"bufio"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/tarotech/taro/internal/clock"
	"github.com/tarotech/taro/internal/eventbus"
	"github.com/tarotech/taro/internal/instance"
	"github.com/tarotech/taro/internal/tailbuffer"
)

// replacementChar is substituted for invalid UTF-8 byte sequences so decoding
// never fails the pump.
const replacementChar = "�"

// Pump ingests one instance's stdout and stderr concurrently.
type Pump struct {
	id     instance.InstanceID
	clock  clock.Clock
	bus    *eventbus.Bus
	buffer *tailbuffer.Buffer

	wg sync.WaitGroup
}

// New creates a Pump for the given instance.
func New(id instance.InstanceID, clk clock.Clock, bus *eventbus.Bus, buffer *tailbuffer.Buffer) *Pump {
	return &Pump{id: id, clock: clk, bus: bus, buffer: buffer}
}

// Start launches goroutines reading stdout and stderr. It returns
// immediately; call Wait to block until both readers have observed EOF.
func (p *Pump) Start(stdout, stderr io.Reader) {
	p.wg.Add(2)
	go p.read(stdout, instance.Stdout)
	go p.read(stderr, instance.Stderr)
}

// Wait blocks until both readers have drained their source to EOF. Per
// spec.md §5, callers must Wait here before publishing the terminal
// StateChanged event, so all OutputLine events are observed first.
func (p *Pump) Wait() {
	p.wg.Wait()
}

func (p *Pump) read(r io.Reader, stream instance.Stream) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := sanitize(scanner.Bytes())
		p.emit(stream, text)
	}
	// scanner.Err() is intentionally not surfaced. A closed pipe means the
	// child exited, which ProcessRunner observes independently via Wait. A
	// line longer than the scanner's 1 MiB limit also ends the scan; the rest
	// of the stream is then discarded so the child never blocks on a full
	// pipe.
	if scanner.Err() != nil {
		io.Copy(io.Discard, r)
	}
}

func (p *Pump) emit(stream instance.Stream, text string) {
	at := p.clock.Now()

	p.buffer.Append(tailbuffer.Line{Stream: stream, Text: text, Timestamp: at})

	if p.bus != nil {
		p.bus.Publish(instance.OutputLine{
			Instance: p.id,
			Stream:   stream,
			Text:     text,
			Occurred: at,
		})
	}
}

// sanitize replaces invalid UTF-8 sequences with the Unicode replacement
// character so a binary-producing child never crashes the pump.
func sanitize(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var out []rune
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			out = append(out, []rune(replacementChar)...)
			b = b[1:]
			continue
		}
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
