package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Mode selects how recognition windows are opened.
type Mode string

const (
	// ModeContinuous opens a recognition window on every interval tick.
	ModeContinuous Mode = "continuous"
	// ModeManual opens recognition windows only on explicit trigger requests.
	ModeManual Mode = "manual"
)

// SinkType identifies a notification sink kind.
type SinkType string

const (
	SinkUDP      SinkType = "udp"
	SinkHTTPGet  SinkType = "http_get"
	SinkHTTPPost SinkType = "http_post"
)

// Sink configures a single notification target.
//
// For udp the target is "host:port". For http_post the target is the URL the
// rendered JSON body is posted to. For http_get the target is a URL template
// expanded per notification (Loxone virtual-text-input convention:
// http://host/dev/sps/io/<input>/[[name]]); User/Pass are sent as basic auth
// when set.
type Sink struct {
	Type     SinkType `json:"type"`
	Target   string   `json:"target"`
	User     string   `json:"user,omitempty"`
	Pass     string   `json:"pass,omitempty"`
	Template string   `json:"template,omitempty"`
}

// Snapshot is one immutable configuration state. The active snapshot is
// swapped atomically on update; in-flight operations keep using the snapshot
// they captured at their start.
type Snapshot struct {
	// Capture
	StreamURL    string `json:"input_stream_url"`
	CaptureFPS   int    `json:"capture_fps"`
	OutputWidth  int    `json:"output_width"`
	OutputHeight int    `json:"output_height"`

	// Recognition service
	RecognizerURL  string  `json:"recognizer_url"`
	MatchThreshold float64 `json:"match_threshold"`

	// Trigger windows
	Mode            Mode    `json:"mode"`
	IntervalSeconds float64 `json:"interval_seconds"`
	WindowSeconds   float64 `json:"window_seconds"`
	FPSCap          float64 `json:"fps_cap"`
	StopOnMatch     bool    `json:"stop_on_match"`
	SettleSeconds   float64 `json:"settle_seconds"`

	// Notifications
	RateLimitSeconds float64 `json:"rate_limit_seconds"`
	Sinks            []Sink  `json:"sinks"`
	BaseURL          string  `json:"base_url"`

	// Evidence and retention
	ImagePath        string `json:"image_path"`
	SaveKnownImages  bool   `json:"save_known_images"`
	RetentionMaxDays int    `json:"retention_max_age_days"`

	// Live stream
	EnableOverlay       bool     `json:"enable_face_overlay"`
	OverlayColor        [3]uint8 `json:"overlay_color"`
	EnableStreamSuspend bool     `json:"enable_stream_suspend"`
	SuspendGraceSeconds float64  `json:"stream_suspend_grace_seconds"`
}

// Default returns the configuration written on first start.
func Default(dataDir string) *Snapshot {
	return &Snapshot{
		StreamURL:        "",
		CaptureFPS:       10,
		OutputWidth:      640,
		OutputHeight:     480,
		RecognizerURL:    "http://localhost:8100",
		MatchThreshold:   0.55,
		Mode:             ModeContinuous,
		IntervalSeconds:  6, // one window per 60 frames at the default 10fps
		WindowSeconds:    5,
		FPSCap:           3,
		StopOnMatch:      false,
		SettleSeconds:    2,
		RateLimitSeconds: 60,
		Sinks:            []Sink{},
		BaseURL:          "http://localhost:8080",
		ImagePath:        filepath.Join(dataDir, "saved_faces"),
		SaveKnownImages:  true,
		RetentionMaxDays: 0,
		EnableOverlay:    true,
		OverlayColor:     [3]uint8{220, 220, 200},

		EnableStreamSuspend: false,
		SuspendGraceSeconds: 10,
	}
}

// Interval returns the continuous-mode tick period.
func (s *Snapshot) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds * float64(time.Second))
}

// WindowDuration returns the recognition window length.
func (s *Snapshot) WindowDuration() time.Duration {
	return time.Duration(s.WindowSeconds * float64(time.Second))
}

// Settle returns the cooling period between windows.
func (s *Snapshot) Settle() time.Duration {
	return time.Duration(s.SettleSeconds * float64(time.Second))
}

// RateLimit returns the per-label notification suppression window.
func (s *Snapshot) RateLimit() time.Duration {
	return time.Duration(s.RateLimitSeconds * float64(time.Second))
}

// SuspendGrace returns how long after a window closes the live stream keeps
// publishing when stream suspend is enabled.
func (s *Snapshot) SuspendGrace() time.Duration {
	return time.Duration(s.SuspendGraceSeconds * float64(time.Second))
}

// RetentionMaxAge returns the unknown-image retention age, or a negative
// duration when retention is disabled.
func (s *Snapshot) RetentionMaxAge() time.Duration {
	if s.RetentionMaxDays <= 0 {
		return -1
	}
	return time.Duration(s.RetentionMaxDays) * 24 * time.Hour
}

// Validate rejects snapshots that must never become active.
func (s *Snapshot) Validate() error {
	switch s.Mode {
	case ModeContinuous, ModeManual:
	default:
		return fmt.Errorf("invalid mode %q", s.Mode)
	}
	if s.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %v", s.IntervalSeconds)
	}
	if s.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %v", s.WindowSeconds)
	}
	if s.FPSCap <= 0 {
		return fmt.Errorf("fps_cap must be positive, got %v", s.FPSCap)
	}
	if s.RateLimitSeconds < 0 {
		return fmt.Errorf("rate_limit_seconds must not be negative, got %v", s.RateLimitSeconds)
	}
	if s.SuspendGraceSeconds < 0 {
		return fmt.Errorf("stream_suspend_grace_seconds must not be negative, got %v", s.SuspendGraceSeconds)
	}
	if s.MatchThreshold < 0 || s.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in [0,1], got %v", s.MatchThreshold)
	}
	for i, sink := range s.Sinks {
		switch sink.Type {
		case SinkUDP, SinkHTTPGet, SinkHTTPPost:
		default:
			return fmt.Errorf("sink %d: unknown type %q", i, sink.Type)
		}
		if sink.Target == "" {
			return fmt.Errorf("sink %d: target must not be empty", i)
		}
	}
	return nil
}

// Store holds the active configuration snapshot and persists updates.
type Store struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// Load reads the configuration file, creating it with defaults when missing.
func Load(path string) (*Store, error) {
	st := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		snap := Default(filepath.Dir(path))
		if err := st.persist(snap); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		st.cur.Store(snap)
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	snap := Default(filepath.Dir(path))
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	st.cur.Store(snap)
	return st, nil
}

// Snapshot returns the active configuration. The returned value must be
// treated as immutable.
func (st *Store) Snapshot() *Snapshot {
	return st.cur.Load()
}

// Update validates, persists and atomically activates a new snapshot.
// On validation failure the previous snapshot stays active.
func (st *Store) Update(next Snapshot) (*Snapshot, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := st.persist(&next); err != nil {
		return nil, err
	}
	st.cur.Store(&next)
	return &next, nil
}

func (st *Store) persist(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
