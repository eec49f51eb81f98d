package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"market-digest/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// StatusProvider exposes the connection state.
type StatusProvider interface {
	Status() session.Status
}

// Options configure the health server.
type Options struct {
	Addr        string
	ServiceName string
	Version     string
	// LastRefresh reports the most recent upstream cache write; zero means none yet.
	LastRefresh func() time.Time
	Now         func() time.Time
}

// Report is the body of GET /health.
type Report struct {
	Status            string  `json:"status"`
	State             string  `json:"state"`
	ReconnectAttempts int     `json:"reconnectAttempts"`
	Exhausted         bool    `json:"exhausted"`
	UptimeSeconds     int64   `json:"uptimeSeconds"`
	LastCacheRefresh  *string `json:"lastCacheRefresh"`
	Version           string  `json:"version"`
}

// Server serves liveness and status endpoints.
type Server struct {
	opts    Options
	status  StatusProvider
	started time.Time
	engine  *gin.Engine
	srv     *http.Server
	logger  zerolog.Logger
}

// NewServer builds the router. The listener is opened by Start.
func NewServer(status StatusProvider, opts Options, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Addr == "" {
		opts.Addr = ":3000"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "marketdigest"
	}

	s := &Server{
		opts:    opts,
		status:  status,
		started: opts.Now(),
		logger:  logger.With().Str("component", "health").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	s.RegisterRoutes(r)
	s.engine = r
	return s
}

// RegisterRoutes mounts the handlers on r.
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", s.Root)
	r.GET("/health", s.Health)
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Root is a plain liveness probe.
func (s *Server) Root(c *gin.Context) {
	c.String(http.StatusOK, "%s is running!", s.opts.ServiceName)
}

// Health reports connection and cache state. It always answers 200 so a
// degraded session does not get the process restarted.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot())
}

// Snapshot assembles the current report.
func (s *Server) Snapshot() Report {
	st := s.status.Status()
	report := Report{
		Status:            "disconnected",
		State:             st.State.String(),
		ReconnectAttempts: st.ReconnectAttempts,
		Exhausted:         st.Exhausted,
		UptimeSeconds:     int64(s.opts.Now().Sub(s.started) / time.Second),
		Version:           s.opts.Version,
	}
	if st.State == session.Open {
		report.Status = "connected"
	}
	if s.opts.LastRefresh != nil {
		if at := s.opts.LastRefresh(); !at.IsZero() {
			formatted := at.UTC().Format(time.RFC3339)
			report.LastCacheRefresh = &formatted
		}
	}
	return report
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("health server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("health server listening")
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
