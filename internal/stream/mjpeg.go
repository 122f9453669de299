package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync"
)

// Broadcaster fans JPEG frames out to connected MJPEG viewers and keeps the
// latest frame for snapshots. Slow clients get frames dropped, never queued
// without bound; the stream is diagnostic, not evidentiary.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	current []byte
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[chan []byte]struct{})}
}

// Publish hands one frame to every connected client and records it as the
// current snapshot. Annotated frames and raw frames go through the same
// path; whatever was published last is what viewers see.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.Lock()
	b.current = frame
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
			// Client is behind, drop this frame for it.
		}
	}
	b.mu.Unlock()
}

// Current returns the most recently published frame, or nil before the
// first frame arrives.
func (b *Broadcaster) Current() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// ClientCount returns the number of connected viewers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP streams multipart/x-mixed-replace JPEG parts until the client
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, 5)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	// Seed the new viewer with the latest frame so it does not stare at a
	// blank page until the next publish.
	if b.current != nil {
		ch <- b.current
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
	}()

	log.Printf("[Stream] viewer connected from %s", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			log.Printf("[Stream] viewer disconnected from %s", r.RemoteAddr)
			return
		case frame := <-ch:
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the current frame as a single JPEG.
func (b *Broadcaster) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frame := b.Current()
		if frame == nil {
			http.Error(w, "no frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(frame)
	})
}
