package tailbuffer

import (
	"testing"
	"time"

	"github.com/tarotech/taro/internal/instance"
)

func line(text string) Line {
	return Line{Stream: instance.Stdout, Text: text, Timestamp: time.Now()}
}

func TestBuffer_SnapshotOrder(t *testing.T) {
	b := New(3)
	b.Append(line("a"))
	b.Append(line("b"))

	got := b.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(got))
	}
	if got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("Snapshot() = %+v, want [a b]", got)
	}
}

func TestBuffer_OverwritesOldestOnOverflow(t *testing.T) {
	b := New(2)
	b.Append(line("a"))
	b.Append(line("b"))
	b.Append(line("c")) // overwrites "a"

	got := b.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(got))
	}
	if got[0].Text != "b" || got[1].Text != "c" {
		t.Fatalf("Snapshot() = %+v, want [b c]", got)
	}
	if b.OverflowCount() != 1 {
		t.Fatalf("OverflowCount() = %d, want 1", b.OverflowCount())
	}
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	b := New(0)
	if cap(b.lines) != DefaultCapacity {
		t.Fatalf("capacity = %d, want %d", cap(b.lines), DefaultCapacity)
	}
}

func TestBuffer_FollowDeliversBacklogThenLive(t *testing.T) {
	b := New(10)
	b.Append(line("backlog"))

	var got []string
	done := make(chan struct{})

	followDone := make(chan struct{})
	go func() {
		b.Follow(done, func(l Line) {
			got = append(got, l.Text)
			if len(got) == 2 {
				close(done)
			}
		})
		close(followDone)
	}()

	// Give Follow a moment to register as a listener before appending live.
	time.Sleep(10 * time.Millisecond)
	b.Append(line("live"))

	select {
	case <-followDone:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after done was closed")
	}

	if len(got) != 2 || got[0] != "backlog" || got[1] != "live" {
		t.Fatalf("delivered lines = %v, want [backlog live]", got)
	}
}

func TestBuffer_FollowStopsOnClose(t *testing.T) {
	b := New(10)
	done := make(chan struct{})
	followDone := make(chan struct{})

	go func() {
		b.Follow(done, func(Line) {})
		close(followDone)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case <-followDone:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after Buffer.Close")
	}
}
