package service

import (
	"context"
	"errors"

	"github.com/adwski/room-relay/backend/metrics"
	"github.com/adwski/room-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
	ErrDeliver    = errors.New("unable to deliver message")
)

type (
	Switch interface {
		Connect(ctx context.Context, conn *model.Conn) error
		Disconnect(ctx context.Context, conn *model.Conn) error
		Deliver(ctx context.Context, conn *model.Conn, ev model.Event) error
	}

	Service struct {
		sw      Switch
		metrics *metrics.Metrics
		logger  zerolog.Logger
	}

	Config struct {
		Switch  Switch
		Metrics *metrics.Metrics
		Logger  *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sw:      cfg.Switch,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

func (svc *Service) CreateSignalingSession(ctx context.Context, conn *model.Conn) error {
	if err := svc.sw.Connect(ctx, conn); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("connID", conn.ID).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(ctx context.Context, conn *model.Conn) error {
	if err := svc.sw.Disconnect(ctx, conn); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("connID", conn.ID).
		Msg("signaling session deleted")
	return nil
}

// HandleMessage parses one inbound frame and hands it to the switch.
// Frames that do not parse are logged and dropped; they are not an error
// for the connection.
func (svc *Service) HandleMessage(ctx context.Context, conn *model.Conn, frame []byte) error {
	ev, err := model.ParseEvent(frame)
	if err != nil {
		svc.metrics.Dropped.WithLabelValues(metrics.DropMalformed).Inc()
		svc.logger.Error().
			Err(err).
			Str("connID", conn.ID).
			Msg("failed to parse incoming message")
		if e := svc.logger.Trace(); e.Enabled() {
			e.Str("connID", conn.ID).Msg(spew.Sdump(frame))
		}
		return nil
	}
	if err = svc.sw.Deliver(ctx, conn, ev); err != nil {
		return errors.Join(ErrDeliver, err)
	}
	return nil
}
