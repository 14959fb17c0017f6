package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/GoScope/internal/logging"
)

// WebServer exposes measurement history, live updates and controls over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// Handler returns the routes served for hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/latest", h.handleLatest)
	mux.HandleFunc("/api/spectrum", h.handleSpectrum)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/ws", h.handleWebSocket)
	mux.HandleFunc("/api/config", h.handleGetConfig)
	mux.HandleFunc("/api/config/update", h.handleSetConfig)
	mux.HandleFunc("/api/control", h.handleControl)
	mux.HandleFunc("/api/health", h.handleHealth)
	return mux
}

// NewWebServer builds an HTTP server for hub on addr.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	return &WebServer{
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
		logger: logging.OrDefault(logger).With(logging.F("subsystem", "web")),
	}
}

// Listen binds the server address. It is split from Serve so callers learn
// the bound port (for ":0") before serving.
func (w *WebServer) Listen() (net.Listener, error) {
	return net.Listen("tcp", w.srv.Addr)
}

// Serve serves on ln and shuts down when ctx is canceled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", ln.Addr().String()))
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until ctx is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := w.Listen()
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}
