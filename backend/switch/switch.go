package _switch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/room-relay/backend/metrics"
	"github.com/adwski/room-relay/backend/model"
	"github.com/adwski/room-relay/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 1024
)

var (
	ErrStopped = errors.New("switch is stopped")
)

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
	opDeliver
)

type op struct {
	kind opKind
	conn *model.Conn
	ev   model.Event
}

type Config struct {
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

// Switch owns the room registry. Every connect, disconnect and inbound
// event goes through a single queue and is handled by Run one at a time,
// so the registry is never touched concurrently.
type Switch struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	reg     *memory.Registry
	conns   map[*model.Conn]struct{}
	ops     chan op
	done    chan struct{}
}

func NewSwitch(cfg Config) *Switch {
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		metrics: cfg.Metrics,
		reg:     memory.NewRegistry(),
		conns:   make(map[*model.Conn]struct{}),
		ops:     make(chan op, defaultQueueSize),
		done:    make(chan struct{}),
	}
}

// Run processes queued operations until ctx is done.
func (sw *Switch) Run(ctx context.Context) {
	defer func() {
		close(sw.done)
		sw.logger.Debug().Msg("switch stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-sw.ops:
			switch o.kind {
			case opConnect:
				sw.connect(o.conn)
			case opDisconnect:
				sw.disconnect(o.conn)
			case opDeliver:
				sw.dispatch(o.conn, o.ev)
			}
		}
	}
}

func (sw *Switch) Connect(ctx context.Context, conn *model.Conn) error {
	return sw.enqueue(ctx, op{kind: opConnect, conn: conn})
}

func (sw *Switch) Disconnect(ctx context.Context, conn *model.Conn) error {
	return sw.enqueue(ctx, op{kind: opDisconnect, conn: conn})
}

func (sw *Switch) Deliver(ctx context.Context, conn *model.Conn, ev model.Event) error {
	return sw.enqueue(ctx, op{kind: opDeliver, conn: conn, ev: ev})
}

func (sw *Switch) enqueue(ctx context.Context, o op) error {
	select {
	case <-sw.done:
		return ErrStopped
	default:
	}
	select {
	case sw.ops <- o:
		return nil
	case <-sw.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sw *Switch) connect(conn *model.Conn) {
	sw.conns[conn] = struct{}{}
	sw.metrics.Connections.Set(float64(len(sw.conns)))
	sw.logger.Debug().Str("connID", conn.ID).Msg("connection attached")
}

// disconnect is the only cleanup path for a connection. After it returns
// the connection is closed and its TX channel is closed.
func (sw *Switch) disconnect(conn *model.Conn) {
	if _, ok := sw.conns[conn]; !ok {
		return
	}
	if conn.Room != "" {
		sw.leave(conn, conn.Room)
	}
	delete(sw.conns, conn)
	conn.MarkClosed()
	close(conn.TX)
	sw.metrics.Connections.Set(float64(len(sw.conns)))
	sw.logger.Debug().Str("connID", conn.ID).Msg("connection detached")
}

func (sw *Switch) dispatch(conn *model.Conn, ev model.Event) {
	if _, ok := sw.conns[conn]; !ok {
		sw.logger.Debug().Str("connID", conn.ID).Msg("event from detached connection dropped")
		return
	}
	switch ev := ev.(type) {
	case model.Join:
		sw.metrics.Inbound.WithLabelValues(model.TypeJoin).Inc()
		sw.join(conn, ev.Room, ev.Username)
	case model.Signal:
		sw.metrics.Inbound.WithLabelValues(ev.Type).Inc()
		sw.forward(conn, ev)
	case model.Leave:
		sw.metrics.Inbound.WithLabelValues(model.TypeLeave).Inc()
		sw.leave(conn, ev.Room)
	case model.Unknown:
		sw.metrics.Dropped.WithLabelValues(metrics.DropUnknown).Inc()
		sw.logger.Warn().
			Str("connID", conn.ID).
			Str("type", ev.Type).
			Msg("unknown message type")
	default:
		sw.logger.Error().
			Str("connID", conn.ID).
			Msgf("unexpected event %T", ev)
	}
}

func (sw *Switch) join(conn *model.Conn, room, username string) {
	logger := sw.logger.With().
		Str("connID", conn.ID).
		Str("room", room).
		Str("username", username).
		Logger()

	if room == "" || username == "" {
		sw.metrics.Dropped.WithLabelValues(metrics.DropInvalid).Inc()
		logger.Warn().Msg("join without room or username dropped")
		return
	}

	// one room per connection: leave the previous one first
	if conn.Room != "" {
		sw.leave(conn, conn.Room)
	}

	// members learn about the newcomer before it is added,
	// so the newcomer never sees its own announcement
	members, _ := sw.reg.Members(room)
	sw.broadcast(members, model.NewUserJoined(username, room))

	participants := sw.reg.Add(room, conn)
	conn.Room = room
	conn.Username = username
	sw.metrics.Rooms.Set(float64(sw.reg.Rooms()))

	sw.send(conn, model.NewJoined(room, participants))

	logger.Info().Int("participants", participants).Msg("user joined room")
}

func (sw *Switch) forward(conn *model.Conn, sig model.Signal) {
	logger := sw.logger.With().
		Str("connID", conn.ID).
		Str("room", sig.Room).
		Str("type", sig.Type).
		Logger()

	members, err := sw.reg.Members(sig.Room)
	if err != nil {
		logger.Debug().Msg("signal to missing room dropped")
		return
	}
	b, err := sig.Stamp(conn.Username)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode signal")
		return
	}
	sent := sw.fanOut(members, b, conn)
	logger.Trace().Int("recipients", sent).Msg("signal forwarded")
}

func (sw *Switch) leave(conn *model.Conn, room string) {
	member, remaining, err := sw.reg.Remove(room, conn)
	if err != nil {
		return
	}
	if conn.Room == room {
		conn.Room = ""
	}
	sw.metrics.Rooms.Set(float64(sw.reg.Rooms()))
	if !member {
		return
	}

	if remaining > 0 {
		members, _ := sw.reg.Members(room)
		sw.broadcast(members, model.NewUserLeft(conn.Username, room))
	}

	sw.logger.Info().
		Str("connID", conn.ID).
		Str("room", room).
		Str("username", conn.Username).
		Int("remaining", remaining).
		Msg("user left room")
}

func (sw *Switch) broadcast(members []*model.Conn, v any) {
	if len(members) == 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		sw.logger.Error().Err(err).Msg("failed to marshal announcement")
		return
	}
	sw.fanOut(members, b, nil)
}

func (sw *Switch) send(conn *model.Conn, v any) {
	sw.broadcast([]*model.Conn{conn}, v)
}

// fanOut queues b to every open member except one. It never blocks:
// a member whose buffer is full is skipped.
func (sw *Switch) fanOut(members []*model.Conn, b []byte, except *model.Conn) int {
	var sent int
	for _, m := range members {
		if m == except {
			continue
		}
		if !m.IsOpen() {
			sw.metrics.Skipped.WithLabelValues(metrics.SkipNotOpen).Inc()
			sw.logger.Trace().Str("dst", m.ID).Msg("recipient is not open")
			continue
		}
		select {
		case m.TX <- b:
			sw.metrics.Sent.Inc()
			sent++
		default:
			sw.metrics.Skipped.WithLabelValues(metrics.SkipBacklogged).Inc()
			sw.logger.Warn().Str("dst", m.ID).Msg("recipient is backlogged, frame skipped")
		}
	}
	return sent
}
