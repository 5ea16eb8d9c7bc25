package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/pitx/internal/observability"
	"github.com/jmylchreest/pitx/internal/transcoder"
)

const shutdownTimeout = 5 * time.Second

// Server serves the status API for one run.
type Server struct {
	addr   string
	hub    *Hub
	router *chi.Mux
	api    huma.API
	logger *slog.Logger
}

// NewServer builds the router. The version string ends up in the OpenAPI
// document.
func NewServer(addr string, hub *Hub, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "status")

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(recovery(logger))

	cfg := huma.DefaultConfig("pitx status", version)
	cfg.Info.Description = "Progress of the running hardware transcode"
	api := humachi.New(router, cfg)

	s := &Server{addr: addr, hub: hub, router: router, api: api, logger: logger}
	s.register()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StatusOutput is the body of GET /status.
type StatusOutput struct {
	Body StatusResponse
}

// StatusResponse is the latest progress of the run.
type StatusResponse struct {
	Run      RunInfo             `json:"run"`
	Snapshot transcoder.Snapshot `json:"snapshot"`
	Samples  int64               `json:"samples"`
	Result   string              `json:"result,omitempty"`
	// FPS is the average output frame rate.
	FPS float64 `json:"output_fps"`
}

// HealthOutput is the body of GET /healthz.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse reports whether the run is alive.
type HealthResponse struct {
	Status string `json:"status" enum:"ok,failed" doc:"failed once the run ended with an error"`
	State  string `json:"state"`
}

func (s *Server) register() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Transcode progress",
		Description: "Returns the latest progress snapshot of the run",
		Tags:        []string{"Status"},
	}, s.getStatus)

	huma.Register(s.api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness",
		Tags:        []string{"Status"},
	}, s.getHealth)
}

func (s *Server) getStatus(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	run, snap, samples, result := s.hub.Latest()
	return &StatusOutput{Body: StatusResponse{
		Run:      run,
		Snapshot: snap,
		Samples:  samples,
		Result:   result,
		FPS:      snap.Stats.OutputFPS(),
	}}, nil
}

func (s *Server) getHealth(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	_, snap, _, result := s.hub.Latest()
	if result != "" && result != "ok" {
		return nil, huma.Error503ServiceUnavailable("transcode failed: " + result)
	}
	if snap.Stats.State == transcoder.StateDecoderFailed {
		return nil, huma.Error503ServiceUnavailable("decoder failed")
	}
	return &HealthOutput{Body: HealthResponse{Status: "ok", State: snap.Stats.State.String()}}, nil
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("status endpoint listening", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down status server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
