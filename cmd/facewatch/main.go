package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"facewatch/internal/auth"
	"facewatch/internal/capture"
	"facewatch/internal/config"
	"facewatch/internal/eventlog"
	"facewatch/internal/notify"
	"facewatch/internal/pipeline"
	"facewatch/internal/recognition"
	"facewatch/internal/retention"
	"facewatch/internal/stream"
	"facewatch/internal/ws"
)

func main() {
	var (
		httpAddrF = flag.String("http-addr", ":8080", "HTTP listen address")
		dataDirF  = flag.String("data", "./data", "Data directory (config, event log, images)")
		configF   = flag.String("config", "", "Config file path (default: <data>/config.json)")
	)
	flag.Parse()

	// Optional .env for auth and JWT settings.
	_ = godotenv.Load()

	var logger *log.Logger
	{
		logger = log.New(os.Stderr, "[facewatch] ", log.Ltime)
	}

	if err := os.MkdirAll(*dataDirF, 0o755); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}
	configPath := *configF
	if configPath == "" {
		configPath = filepath.Join(*dataDirF, "config.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	snap := cfg.Snapshot()

	events, err := eventlog.Open(filepath.Join(*dataDirF, "events.db"))
	if err != nil {
		logger.Fatalf("open event log: %v", err)
	}
	defer events.Close()

	images, err := eventlog.NewImageStore(snap.ImagePath)
	if err != nil {
		logger.Fatalf("open image store: %v", err)
	}

	var (
		authenticator = auth.NewAuthenticator()
		broadcaster   = stream.NewBroadcaster()
		hub           = ws.NewHub()
	)
	if !authenticator.IsEnabled() {
		logger.Printf("authentication disabled; set FACEWATCH_AUTH_ENABLED=true in production")
	}

	var pipe *pipeline.Pipeline
	dispatcher := notify.NewDispatcher(events, func(err error) {
		if pipe != nil {
			pipe.MarkDegraded(err)
		}
	})

	pipe, err = pipeline.New(pipeline.Options{
		Config:     cfg,
		NewSource:  newCaptureSource,
		Recognizer: &reconfiguringRecognizer{cfg: cfg},
		Dispatcher: dispatcher,
		Images:     images,
		Publisher:  broadcaster,
		Feed:       hub,
	})
	if err != nil {
		logger.Fatalf("build pipeline: %v", err)
	}

	cleaner := retention.NewCleaner(images.Dir(), time.Hour, func() time.Duration {
		return cfg.Snapshot().RetentionMaxAge()
	})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("pipeline: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.Run(ctx)
	}()

	handleHTTPServer(ctx, *httpAddrF, &apiServer{
		cfg:           cfg,
		pipe:          pipe,
		events:        events,
		images:        images,
		authenticator: authenticator,
		broadcaster:   broadcaster,
		hub:           hub,
		logger:        logger,
	}, &wg, errc, logger)

	logger.Printf("exiting (%v)", <-errc)
	cancel()
	dispatcher.Drain(5 * time.Second)
	wg.Wait()
	logger.Println("exited")
}

// newCaptureSource opens and starts a capture source for the snapshot.
func newCaptureSource(snap *config.Snapshot) (pipeline.FrameSource, error) {
	src := capture.NewSource(snap.StreamURL, snap.CaptureFPS, snap.OutputWidth, snap.OutputHeight)
	if err := src.Start(); err != nil {
		return nil, err
	}
	return src, nil
}

// reconfiguringRecognizer rebuilds the recognition client when the
// configured service endpoint or threshold changes.
type reconfiguringRecognizer struct {
	cfg *config.Store

	mu        sync.Mutex
	endpoint  string
	threshold float64
	client    *recognition.Client
}

func (r *reconfiguringRecognizer) Recognize(ctx context.Context, frame pipeline.Frame) ([]pipeline.Detection, error) {
	snap := r.cfg.Snapshot()

	r.mu.Lock()
	if r.client == nil || r.endpoint != snap.RecognizerURL || r.threshold != snap.MatchThreshold {
		r.endpoint = snap.RecognizerURL
		r.threshold = snap.MatchThreshold
		r.client = recognition.NewClient(snap.RecognizerURL, snap.MatchThreshold)
	}
	client := r.client
	r.mu.Unlock()

	return client.Recognize(ctx, frame)
}
