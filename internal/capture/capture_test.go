package capture

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestExtractJPEG(t *testing.T) {
	frame1 := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	frame2 := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	buffer := append([]byte{0x00, 0x11}, frame1...) // leading garbage
	buffer = append(buffer, frame2...)

	got := ExtractJPEG(&buffer)
	if !bytes.Equal(got, frame1) {
		t.Fatalf("first frame = %x, want %x", got, frame1)
	}
	got = ExtractJPEG(&buffer)
	if !bytes.Equal(got, frame2) {
		t.Fatalf("second frame = %x, want %x", got, frame2)
	}
	if got = ExtractJPEG(&buffer); got != nil {
		t.Fatalf("empty buffer yielded a frame: %x", got)
	}
}

func TestExtractJPEGIncompleteFrameWaits(t *testing.T) {
	buffer := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03}
	if got := ExtractJPEG(&buffer); got != nil {
		t.Fatalf("incomplete frame extracted: %x", got)
	}
	if len(buffer) != 5 {
		t.Fatalf("buffer consumed while frame incomplete (%d bytes left)", len(buffer))
	}

	buffer = append(buffer, 0xFF, 0xD9)
	got := ExtractJPEG(&buffer)
	if got == nil || got[len(got)-1] != 0xD9 {
		t.Fatalf("completed frame not extracted: %x", got)
	}
}

func TestPublishKeepsNewestFrame(t *testing.T) {
	s := NewSource("rtsp://test", 10, 640, 480)

	s.publish([]byte("old"))
	s.publish([]byte("new"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(frame.Data) != "new" {
		t.Fatalf("frame = %q, want newest", frame.Data)
	}
	if frame.Seq != 2 {
		t.Fatalf("seq = %d, want 2", frame.Seq)
	}
}

func TestNextHonorsContext(t *testing.T) {
	s := NewSource("rtsp://test", 10, 640, 480)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Next(ctx); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestNextReturnsTerminalError(t *testing.T) {
	s := NewSource("rtsp://test", 10, 640, 480)
	s.fail(context.Canceled)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Next(ctx); err == nil {
		t.Fatal("next returned no error after terminal failure")
	}
}

func TestStartRejectsEmptyDevice(t *testing.T) {
	s := NewSource("", 10, 640, 480)
	if err := s.Start(); err == nil {
		t.Fatal("start with empty device succeeded")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewSource("rtsp://test", 10, 640, 480)
	s.Close()
	s.Close()
}
