package distribution

import (
	"log/slog"
	"sync"

	"github.com/avbridge/chunkflow/packager"
)

// Compile-time interface check.
var _ packager.ChunkedTransfer = (*Broadcaster)(nil)

// subscriberBuffer is the per-subscriber chunk channel depth. A subscriber
// that falls this far behind the packager is disconnected rather than served
// a corrupted byte stream.
const subscriberBuffer = 64

// Broadcaster implements the packager's chunked transfer sink. Each pushed
// filename becomes an in-flight live file: chunks already pushed are
// replayed to new subscribers and later chunks are fanned out as they
// arrive, until the completion signal closes the file. This is what lets the
// origin answer a request for a segment that is still being produced.
type Broadcaster struct {
	log *slog.Logger

	mu   sync.Mutex
	live map[string]*liveFile
}

type liveFile struct {
	chunks  [][]byte
	nextSub int
	subs    map[int]chan []byte
}

// NewBroadcaster creates an empty Broadcaster. If log is nil, slog.Default()
// is used.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		log:  log.With("component", "broadcaster"),
		live: make(map[string]*liveFile),
	}
}

func liveKey(app, stream, name string) string {
	return app + "/" + stream + "/" + name
}

// OnChunkPush appends a chunk to the named in-flight file and fans it out to
// current subscribers. The chunk is copied; the packager's buffer is not
// retained.
func (b *Broadcaster) OnChunkPush(app, stream, name string, isVideo bool, chunk []byte) {
	c := append([]byte(nil), chunk...)
	key := liveKey(app, stream, name)

	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.live[key]
	if !ok {
		f = &liveFile{subs: make(map[int]chan []byte)}
		b.live[key] = f
	}
	f.chunks = append(f.chunks, c)

	for id, ch := range f.subs {
		select {
		case ch <- c:
		default:
			// Subscriber stalled; a skipped chunk would corrupt the
			// container stream, so drop the subscriber instead.
			b.log.Warn("dropping stalled chunk subscriber", "file", name)
			delete(f.subs, id)
			close(ch)
		}
	}
}

// OnSegmentComplete closes the named in-flight file: subscribers see their
// channel close and the file is forgotten, since the finalized segment is
// now served from the store.
func (b *Broadcaster) OnSegmentComplete(app, stream, name string, isVideo bool) {
	key := liveKey(app, stream, name)

	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.live[key]
	if !ok {
		return
	}
	for _, ch := range f.subs {
		close(ch)
	}
	delete(b.live, key)
}

// Subscribe attaches to an in-flight file. It returns the chunks pushed so
// far and a channel delivering subsequent chunks; the channel is closed on
// segment completion. cancel detaches the subscriber and must be called when
// the consumer stops reading. ok is false if the file is not in flight.
func (b *Broadcaster) Subscribe(app, stream, name string) (history [][]byte, ch <-chan []byte, cancel func(), ok bool) {
	key := liveKey(app, stream, name)

	b.mu.Lock()
	defer b.mu.Unlock()

	f, live := b.live[key]
	if !live {
		return nil, nil, nil, false
	}

	history = make([][]byte, len(f.chunks))
	copy(history, f.chunks)

	id := f.nextSub
	f.nextSub++
	sub := make(chan []byte, subscriberBuffer)
	f.subs[id] = sub

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// The file may already be complete and forgotten.
		if cur, ok := b.live[key]; ok && cur == f {
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		}
	}
	return history, sub, cancel, true
}
