package distribution

import (
	"bytes"
	"testing"
)

func TestSubscribeReplaysHistory(t *testing.T) {
	b := NewBroadcaster(nil)
	b.OnChunkPush("app", "stream", "seg_1_video.m4s", true, []byte("one"))
	b.OnChunkPush("app", "stream", "seg_1_video.m4s", true, []byte("two"))

	history, ch, cancel, ok := b.Subscribe("app", "stream", "seg_1_video.m4s")
	if !ok {
		t.Fatal("expected live file for in-flight segment")
	}
	defer cancel()

	if len(history) != 2 || string(history[0]) != "one" || string(history[1]) != "two" {
		t.Fatalf("history = %q", history)
	}

	b.OnChunkPush("app", "stream", "seg_1_video.m4s", true, []byte("three"))
	select {
	case c := <-ch:
		if string(c) != "three" {
			t.Errorf("live chunk = %q, want three", c)
		}
	default:
		t.Fatal("live chunk not delivered")
	}
}

func TestCompleteClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	b.OnChunkPush("app", "stream", "seg", true, []byte("data"))

	_, ch, _, ok := b.Subscribe("app", "stream", "seg")
	if !ok {
		t.Fatal("expected live file")
	}

	b.OnSegmentComplete("app", "stream", "seg", true)
	if _, open := <-ch; open {
		t.Error("subscriber channel not closed on completion")
	}
	if _, _, _, ok := b.Subscribe("app", "stream", "seg"); ok {
		t.Error("completed file still subscribable")
	}
}

func TestSubscribeUnknownFile(t *testing.T) {
	b := NewBroadcaster(nil)
	if _, _, _, ok := b.Subscribe("app", "stream", "nope"); ok {
		t.Error("subscribe succeeded for a file never pushed")
	}
}

func TestChunkCopied(t *testing.T) {
	b := NewBroadcaster(nil)
	buf := []byte{1, 2, 3}
	b.OnChunkPush("app", "stream", "seg", true, buf)
	buf[0] = 0xff

	history, _, cancel, ok := b.Subscribe("app", "stream", "seg")
	if !ok {
		t.Fatal("expected live file")
	}
	defer cancel()
	if !bytes.Equal(history[0], []byte{1, 2, 3}) {
		t.Error("broadcaster retained the caller's buffer instead of a copy")
	}
}

func TestCancelDetaches(t *testing.T) {
	b := NewBroadcaster(nil)
	b.OnChunkPush("app", "stream", "seg", true, []byte("a"))

	_, ch, cancel, ok := b.Subscribe("app", "stream", "seg")
	if !ok {
		t.Fatal("expected live file")
	}
	cancel()
	if _, open := <-ch; open {
		t.Error("cancelled subscriber channel left open")
	}
	// Pushing after cancel must not panic on a closed channel.
	b.OnChunkPush("app", "stream", "seg", true, []byte("b"))
}

func TestStalledSubscriberDropped(t *testing.T) {
	b := NewBroadcaster(nil)
	b.OnChunkPush("app", "stream", "seg", true, []byte("x"))

	_, ch, _, ok := b.Subscribe("app", "stream", "seg")
	if !ok {
		t.Fatal("expected live file")
	}

	// Never read: after the buffer fills, the subscriber must be dropped and
	// its channel closed rather than silently missing a chunk.
	for i := 0; i <= subscriberBuffer; i++ {
		b.OnChunkPush("app", "stream", "seg", true, []byte{byte(i)})
	}

	n := 0
	for range ch {
		n++
	}
	if n != subscriberBuffer {
		t.Errorf("drained %d buffered chunks before close, want %d", n, subscriberBuffer)
	}
}
