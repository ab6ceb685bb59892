// Package web exposes the ledger over HTTP: uploads, trade listing,
// point-in-time balances and a Server-Sent Events stream of merges.
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"github.com/vadiminshakov/coinledger/internal/events"
	"github.com/vadiminshakov/coinledger/internal/ingest"
	"github.com/vadiminshakov/coinledger/internal/services"
	"go.uber.org/zap"
)

const (
	DefaultMaxUploadBytes = 32 << 20
	DefaultRequestTimeout = 30 * time.Second
)

type ledgerService interface {
	Upload(ctx context.Context, rows []ingest.Row) (services.UploadResult, error)
	UploadCSV(ctx context.Context, r io.Reader) (services.UploadResult, error)
	List() []domain.Trade
	ListUntil(until string) ([]domain.Trade, error)
	BalanceAt(ctx context.Context, ts string) (domain.BalanceSnapshot, error)
	Status() services.Status
}

// Options tune request handling. Zero values pick the defaults.
type Options struct {
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// Server serves the ledger API and the upload page.
type Server struct {
	addr    string
	svc     ledgerService
	stream  *events.MergeBroadcaster
	opts    Options
	l       *zap.Logger
	handler http.Handler
}

// NewServer creates a new web server instance. stream may be nil, which disables
// the SSE endpoint.
func NewServer(addr string, svc ledgerService, stream *events.MergeBroadcaster, opts Options, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{addr: addr, svc: svc, stream: stream, opts: opts, l: l}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.l))
	router.MaxMultipartMemory = s.opts.MaxUploadBytes

	router.GET("/", s.handleIndex)
	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	// long-lived stream, must not inherit the request timeout
	api.GET("/trades/stream", s.handleTradeStream)

	timed := api.Group("", requestTimeout(s.opts.RequestTimeout))
	{
		timed.POST("/trades/upload", s.handleUpload)
		timed.GET("/trades", s.handleListTrades)
		timed.POST("/balance", s.handleBalance)
		timed.GET("/balance", s.handleBalance)
		timed.POST("/balances", s.handleBalanceMapping)
		timed.GET("/balances", s.handleBalanceMapping)
	}

	return router
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("web server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
