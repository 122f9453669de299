package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"facewatch/internal/metrics"
	"facewatch/internal/pipeline"
)

// Source captures JPEG frames from a single camera. Streaming sources (rtsp,
// v4l2 devices, MJPEG HTTP streams) go through an ffmpeg image2pipe child;
// still-image HTTP endpoints are polled directly.
//
// Frames go into a one-slot mailbox: Next always returns the newest frame
// and everything the consumer was too slow for is dropped. Recognition wants
// fresh frames, not a backlog.
type Source struct {
	device string
	fps    int
	width  int
	height int

	frames  chan pipeline.Frame
	errCh   chan error
	stopCh  chan struct{}
	seq     atomic.Uint64
	running atomic.Bool

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewSource creates a source for device. fps, width and height shape the
// ffmpeg output; still-image polling uses fps as the poll rate.
func NewSource(device string, fps, width, height int) *Source {
	if fps <= 0 {
		fps = 10
	}
	return &Source{
		device: device,
		fps:    fps,
		width:  width,
		height: height,
		frames: make(chan pipeline.Frame, 1),
		errCh:  make(chan error, 1),
		stopCh: make(chan struct{}),
	}
}

// Start launches the capture loop. It returns once the loop is running; a
// capture failure after that surfaces through Err.
func (s *Source) Start() error {
	if s.device == "" {
		return fmt.Errorf("no capture device configured")
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("capture already started for %s", s.device)
	}

	go func() {
		defer s.running.Store(false)
		if s.isStillImageEndpoint() {
			s.pollStills()
			return
		}
		s.runFFmpeg()
	}()

	log.Printf("[Capture] started for %s (fps: %d)", s.device, s.fps)
	return nil
}

// Next returns the newest frame, blocking until one arrives, the source
// fails terminally or ctx is done.
func (s *Source) Next(ctx context.Context) (pipeline.Frame, error) {
	select {
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	case err := <-s.errCh:
		return pipeline.Frame{}, err
	case f := <-s.frames:
		return f, nil
	}
}

// Close stops the capture loop and kills any ffmpeg child.
func (s *Source) Close() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)

	s.mu.Lock()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.mu.Unlock()
	log.Printf("[Capture] stopped for %s", s.device)
}

func (s *Source) isStillImageEndpoint() bool {
	if !strings.HasPrefix(s.device, "http://") && !strings.HasPrefix(s.device, "https://") {
		return false
	}
	return strings.Contains(s.device, ".jpg") || strings.Contains(s.device, ".jpeg") ||
		strings.Contains(s.device, "image")
}

func (s *Source) pollStills() {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(s.fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			resp, err := client.Get(s.device)
			if err != nil {
				log.Printf("[Capture] fetch %s: %v", s.device, err)
				continue
			}
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("[Capture] read frame: %v", err)
				continue
			}
			s.publish(data)
		}
	}
}

func (s *Source) runFFmpeg() {
	args := s.ffmpegArgs()

	s.mu.Lock()
	s.cmd = exec.Command("ffmpeg", args...)
	cmd := s.cmd
	s.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(fmt.Errorf("ffmpeg stdout pipe: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.fail(fmt.Errorf("ffmpeg stderr pipe: %w", err))
		return
	}
	if err := cmd.Start(); err != nil {
		s.fail(fmt.Errorf("start ffmpeg: %w", err))
		return
	}

	// ffmpeg chatters on stderr; keep the pipe drained.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	buffer := make([]byte, 0, 1<<20)
	chunk := make([]byte, 8192)
	for {
		select {
		case <-s.stopCh:
			return
		default:
			n, err := stdout.Read(chunk)
			if err != nil {
				if err != io.EOF {
					s.fail(fmt.Errorf("read ffmpeg output: %w", err))
					return
				}
				s.fail(fmt.Errorf("ffmpeg stream ended for %s", s.device))
				return
			}
			buffer = append(buffer, chunk[:n]...)
			for {
				frame := ExtractJPEG(&buffer)
				if frame == nil {
					break
				}
				s.publish(frame)
			}
		}
	}
}

func (s *Source) ffmpegArgs() []string {
	switch {
	case strings.HasPrefix(s.device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", s.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", s.fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(s.device, "http://"), strings.HasPrefix(s.device, "https://"):
		return []string{
			"-i", s.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", s.fps),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera).
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
			"-framerate", fmt.Sprintf("%d", s.fps),
			"-i", s.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

// publish puts a frame into the mailbox, displacing an unread older one.
func (s *Source) publish(data []byte) {
	frame := pipeline.Frame{
		Data:      data,
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
	}
	metrics.FramesCaptured.Inc()

	for {
		select {
		case s.frames <- frame:
			return
		default:
			select {
			case <-s.frames:
				metrics.FramesDropped.Inc()
			default:
			}
		}
	}
}

func (s *Source) fail(err error) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	log.Printf("[Capture] %v", err)
	select {
	case s.errCh <- err:
	default:
	}
}

// ExtractJPEG pulls the first complete JPEG (FFD8..FFD9) out of buffer,
// consuming it. Returns nil when no complete frame is buffered yet.
func ExtractJPEG(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]
	return frame
}
