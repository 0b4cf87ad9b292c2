package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"golang.org/x/time/rate"

	"shvbroker/internal/auth"
)

// Serve accepts connections on addr until ctx is cancelled, spawning a
// ClientTask per connection. maxConnPerSec <= 0 disables rate limiting.
func Serve(ctx context.Context, addr string, events chan<- ClientEvent, logger *slog.Logger, maxConnPerSec float64, tokens *auth.TokenService) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var limiter *rate.Limiter
	if maxConnPerSec > 0 {
		burst := int(maxConnPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(maxConnPerSec), burst)
	}

	var nextClientID atomic.Int64

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				conn.Close()
				continue
			}
		}

		id := nextClientID.Add(1)
		logger.Info("accepted connection", "client_id", id, "remote", conn.RemoteAddr())

		task := NewClientTask(id, conn, events, logger, tokens)
		go task.Run(ctx)
	}
}
