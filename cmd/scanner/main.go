package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/proctor/internal/camera"
	"github.com/your-org/proctor/internal/config"
	"github.com/your-org/proctor/internal/eligibility"
	"github.com/your-org/proctor/internal/match"
	"github.com/your-org/proctor/internal/models"
	"github.com/your-org/proctor/internal/observability"
	"github.com/your-org/proctor/internal/queue"
	"github.com/your-org/proctor/internal/roleclient"
	"github.com/your-org/proctor/internal/staging"
	"github.com/your-org/proctor/internal/storage"
	"github.com/your-org/proctor/internal/verify"
	"github.com/your-org/proctor/internal/vision"
	"github.com/your-org/proctor/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting proctor scanner",
		"port", cfg.Scanner.Port,
		"camera", cfg.Scanner.CameraURL,
	)

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	model, err := vision.NewONNXModel(cfg.Vision.ModelsDir, float32(cfg.Vision.DetectionThreshold))
	if err != nil {
		slog.Error("init vision model", "error", err)
		os.Exit(1)
	}
	defer model.Close()

	extractor := vision.NewFeatureExtractor(model, cfg.Vision.MeshPrefix, cfg.Vision.SingleFace())
	slog.Info("vision model initialized", "embedding_dim", extractor.Dim())

	// Connect to Postgres for roster and verified-set loads at session start
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// MinIO holds audit snapshots; uploads are best effort
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Warn("connect to minio", "error", err)
		minioStore = nil
	} else if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Staging queue first, then the NATS producer: the producer's reconnect
	// handler wakes the flush loop so backlog drains as soon as connectivity
	// returns, and it may fire from a connection goroutine at any point after
	// construction.
	stagingQ, err := staging.Open(cfg.Staging.Path, nil, cfg.Staging)
	if err != nil {
		slog.Error("open staging queue", "error", err)
		os.Exit(1)
	}
	defer stagingQ.Close()

	producer, err := queue.NewProducer(cfg.NATS.URL, stagingQ.TriggerFlush)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	stagingQ.SetCommitter(producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go stagingQ.Run(ctx)

	// Verification controller
	cam := camera.NewFFmpegCamera(cfg.Scanner.CameraURL, cfg.Scanner.FPS, cfg.Scanner.Width)
	matcher := match.New(cfg.Matching.AmbiguityEpsilon)
	resolver := eligibility.NewResolver(db)

	controller := verify.NewController(
		cam,
		extractor,
		matcher,
		resolver,
		db,
		&stagingRecorder{q: stagingQ},
		verify.Config{
			Threshold:         cfg.Matching.Threshold,
			NarrowedThreshold: cfg.Matching.NarrowedThreshold,
		},
	)
	if minioStore != nil {
		controller.Snapshots = minioStore
	}
	defer controller.Close()

	roles := roleclient.New(cfg.Auth.RoleBaseURL, cfg.Auth.SkipRole)

	ctrl := &controlServer{
		cfg:        cfg,
		controller: controller,
		queue:      stagingQ,
		roles:      roles,
	}
	if cfg.Scanner.APIBaseURL != "" {
		ctrl.onSessionStart = func(sessionID uuid.UUID) {
			go watchVerified(ctx, cfg.Scanner.APIBaseURL, sessionID, controller)
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Scanner.Port),
		Handler:      ctrl.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("scanner control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down scanner...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("scanner stopped")
}

// stagingRecorder adapts the staging queue to the controller's Recorder
// interface: every attempt is durably staged locally, then flushed.
type stagingRecorder struct {
	q *staging.Queue
}

func (r *stagingRecorder) Record(attempt *models.VerificationAttempt) error {
	if _, err := r.q.Enqueue(staging.KindVerificationAttempt, attempt.ID, attempt); err != nil {
		return err
	}
	r.q.TriggerFlush()
	return nil
}

// watchVerified subscribes to the coordination server's event stream for one
// session and feeds cross-device verification successes into the controller.
// Reconnects until ctx is cancelled.
func watchVerified(ctx context.Context, apiBase string, sessionID uuid.UUID, controller *verify.Controller) {
	wsURL, err := wsEndpoint(apiBase, sessionID)
	if err != nil {
		slog.Error("bad api base url", "error", err)
		return
	}

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			slog.Warn("verified feed connect failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		slog.Info("verified feed connected", "session_id", sessionID)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var evt dto.WSEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				continue
			}
			if evt.Type == "student_verified" && evt.Data.MatchedStudentID != nil {
				controller.MarkVerified(*evt.Data.MatchedStudentID)
			}
		}

		conn.Close()
	}
}

func wsEndpoint(apiBase string, sessionID uuid.UUID) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/v1/ws"
	u.RawQuery = "session_id=" + sessionID.String()
	return u.String(), nil
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
