package http

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

//go:embed public
var public embed.FS

type (
	// Relay is the websocket side of the server.
	Relay interface {
		http.Handler
		Close()
	}

	Server struct {
		logger           zerolog.Logger
		relay            Relay
		shutdownDeadline time.Duration
		*http.Server
	}

	Config struct {
		Logger           *zerolog.Logger
		Relay            Relay
		Metrics          http.Handler
		ListenAddr       string
		StaticDir        string
		AllowedOrigins   []string
		ShutdownDeadline time.Duration
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:           cfg.Logger.With().Str("component", "http-server").Logger(),
		relay:            cfg.Relay,
		shutdownDeadline: cfg.ShutdownDeadline,
	}
	if srv.shutdownDeadline <= 0 {
		srv.shutdownDeadline = defaultShutdownDeadline
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /healthz", healthz)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}
	r.Handle("/", srv.root(staticHandler(cfg.StaticDir)))

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
	})

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func staticHandler(dir string) http.Handler {
	if dir != "" {
		return http.FileServer(http.Dir(dir))
	}
	sub, err := fs.Sub(public, "public")
	if err != nil {
		// public is embedded at build time
		panic(err)
	}
	return http.FileServerFS(sub)
}

// root hands websocket upgrades to the relay and everything else
// to the static client.
func (srv *Server) root(static http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			srv.relay.ServeHTTP(w, r)
			return
		}
		static.ServeHTTP(w, r)
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), srv.shutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	// hijacked websocket connections are not covered by Shutdown
	srv.relay.Close()
}
