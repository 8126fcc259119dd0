package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoListeners indicates Run was called without any listeners.
var ErrNoListeners = errors.New("receiver run: no listeners provided")

// Receiver reads BVLC datagrams from one or more Listeners and routes
// each to a Demuxer, one goroutine per listener — an IPv4 broadcast
// socket and an IPv6 multicast socket typically run side by side on
// the same Port configuration.
type Receiver struct {
	demuxer Demuxer
	logger  *slog.Logger
}

// NewReceiver creates a Receiver that routes datagrams to demuxer.
func NewReceiver(demuxer Demuxer, logger *slog.Logger) *Receiver {
	return &Receiver{
		demuxer: demuxer,
		logger:  logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads from all listeners concurrently until ctx is cancelled,
// blocking until every listener goroutine has returned.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))
	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}
	for range len(listeners) {
		<-done
	}
	return nil
}

func (r *Receiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.recvOne(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, src, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	if err := r.demuxer.HandleDatagram(src, raw); err != nil {
		r.logger.Debug("handle datagram failed",
			slog.String("src", src.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
