package outputpump

import (
	"io"
	"strings"
	"testing"

	"github.com/tarotech/taro/internal/clock"
	"github.com/tarotech/taro/internal/eventbus"
	"github.com/tarotech/taro/internal/instance"
	"github.com/tarotech/taro/internal/tailbuffer"
)

func TestPump_CapturesBothStreams(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.OutputOnly(), 16, eventbus.DropNewest)
	defer sub.Close()

	buf := tailbuffer.New(10)
	p := New("i-1", clock.New(), bus, buf)

	stdout := io.NopCloser(strings.NewReader("line one\nline two\n"))
	stderr := io.NopCloser(strings.NewReader("uh oh\n"))

	p.Start(stdout, stderr)
	p.Wait()

	lines := buf.Snapshot()
	if len(lines) != 3 {
		t.Fatalf("len(Snapshot()) = %d, want 3", len(lines))
	}

	var sawStdout, sawStderr int
	for _, l := range lines {
		switch l.Stream {
		case instance.Stdout:
			sawStdout++
		case instance.Stderr:
			sawStderr++
		}
	}
	if sawStdout != 2 || sawStderr != 1 {
		t.Fatalf("stdout lines = %d, stderr lines = %d, want 2 and 1", sawStdout, sawStderr)
	}

	var published int
	for {
		select {
		case <-sub.Events():
			published++
			continue
		default:
		}
		break
	}
	if published != 3 {
		t.Fatalf("published OutputLine events = %d, want 3", published)
	}
}

func TestSanitize_ReplacesInvalidUTF8(t *testing.T) {
	invalid := []byte{'h', 'i', 0xff, 'x'}
	got := sanitize(invalid)
	if !strings.Contains(got, replacementChar) {
		t.Fatalf("sanitize(%v) = %q, want it to contain the replacement character", invalid, got)
	}
	if !strings.HasPrefix(got, "hi") || !strings.HasSuffix(got, "x") {
		t.Fatalf("sanitize(%v) = %q, want surrounding valid bytes preserved", invalid, got)
	}
}

func TestSanitize_ValidUTF8Unchanged(t *testing.T) {
	const want = "hello, world"
	if got := sanitize([]byte(want)); got != want {
		t.Fatalf("sanitize(%q) = %q, want unchanged", want, got)
	}
}
