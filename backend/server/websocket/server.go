package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/room-relay/backend/metrics"
	"github.com/adwski/room-relay/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultSendBuffer        = 256
	defaultMessagesPerSecond = 50

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

type (
	SignalingService interface {
		CreateSignalingSession(context.Context, *model.Conn) error
		DeleteSignalingSession(context.Context, *model.Conn) error
		HandleMessage(context.Context, *model.Conn, []byte) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Metrics          *metrics.Metrics
		AllowedOrigins   []string

		MaxMessageBytes   int64
		MessagesPerSecond float64
		SendBuffer        int
	}

	// Handler upgrades requests to websocket and pumps frames between
	// the peer and the signaling service.
	Handler struct {
		svc     SignalingService
		metrics *metrics.Metrics
		ws      *websocket.Upgrader
		logger  zerolog.Logger

		maxMessageBytes   int64
		messagesPerSecond rate.Limit
		burst             int
		sendBuffer        int

		ctx    context.Context
		cancel context.CancelFunc
		conns  sync.WaitGroup
	}
)

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		logger:            cfg.Logger.With().Str("component", "websocket").Logger(),
		svc:               cfg.SignalingService,
		metrics:           cfg.Metrics,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: rate.Limit(cfg.MessagesPerSecond),
		sendBuffer:        cfg.SendBuffer,
	}
	if h.maxMessageBytes <= 0 {
		h.maxMessageBytes = defaultWebSocketMaxMessageSize
	}
	if h.messagesPerSecond <= 0 {
		h.messagesPerSecond = defaultMessagesPerSecond
	}
	h.burst = max(1, 2*int(h.messagesPerSecond))
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}

	origins := cors.New(cors.Options{AllowedOrigins: cfg.AllowedOrigins})
	h.ws = &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// non-browser clients send no origin
			return r.Header.Get("Origin") == "" || origins.OriginAllowed(r)
		},
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Close stops all connections and waits for their sessions to be deleted.
func (h *Handler) Close() {
	h.cancel()
	h.conns.Wait()
	h.logger.Debug().Msg("all connections closed")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := h.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	relayConn := model.NewConn(uuid.NewString(), h.sendBuffer)
	logger := h.logger.With().
		Str("connID", relayConn.ID).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	ctx, cancel := context.WithCancel(h.ctx)

	if err = h.svc.CreateSignalingSession(ctx, relayConn); err != nil {
		logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().Msg("signaling session created")

	h.conns.Add(1)
	go h.handleWSConn(ctx, cancel, conn, relayConn, &logger)
}

func (h *Handler) destroySession(relayConn *model.Conn, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := h.svc.DeleteSignalingSession(ctx, relayConn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

func (h *Handler) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	relayConn *model.Conn,
	logger *zerolog.Logger,
) {
	defer h.conns.Done()

	wg := &sync.WaitGroup{}
	rcv := &receiver{
		conn:      conn,
		relayConn: relayConn,
		svc:       h.svc,
		metrics:   h.metrics,
		limiter:   rate.NewLimiter(h.messagesPerSecond, h.burst),
		maxBytes:  h.maxMessageBytes,
		logger:    logger,
	}

	wg.Add(2)
	go func() {
		rcv.run(ctx, wg)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, relayConn.TX, logger)
		cancel()
	}()
	go func() {
		// unblock a reader waiting on the network
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	wg.Wait()
	webSocketCloser(conn, logger)
	h.destroySession(relayConn, logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.TextMessage, msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

type receiver struct {
	conn      *websocket.Conn
	relayConn *model.Conn
	svc       SignalingService
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	maxBytes  int64
	logger    *zerolog.Logger
}

func (rc *receiver) run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		rc.relayConn.MarkClosing()
		wg.Done()
	}()

	rc.conn.SetReadLimit(rc.maxBytes)
	readDeadLineFunc := func(deadline time.Duration) error {
		return rc.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	rc.conn.SetPongHandler(func(string) error {
		rc.logger.Trace().Msg("got pong")
		if ctx.Err() != nil {
			return nil
		}
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		rc.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := rc.conn.ReadMessage()
			if wsErr != nil {
				switch {
				case ctx.Err() != nil:
				case websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway):
					rc.logger.Warn().Err(wsErr).Msg("connection closed")
				default:
					rc.logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			if !rc.limiter.Allow() {
				rc.metrics.Dropped.WithLabelValues(metrics.DropRateLimited).Inc()
				rc.logger.Warn().Msg("inbound rate exceeded, message dropped")
				continue
			}
			if wsErr = rc.svc.HandleMessage(ctx, rc.relayConn, msg); wsErr != nil {
				rc.logger.Error().Err(wsErr).Msg("failed to handle incoming message")
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
