package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efreitasn/venuecore/internal/engine"
)

// Venue is what the server needs from the engine: commands for sessions
// and an event stream to report from.
type Venue interface {
	Engine
	Subscribe(name string, buffer int) *engine.Subscription
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr    string
	Session SessionConfig
	// WriteBuffer is the number of outbound messages queued per
	// connection. A connection whose queue fills is closed.
	WriteBuffer      int
	SubscriberBuffer int
	// IdleTimeout closes a connection that sends nothing for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts order-entry connections and runs one Session per
// connection. Each connection has its own reader, writer and event pump,
// so a slow connection never holds up the engine or other sessions.
type Server struct {
	cfg    ServerConfig
	venue  Venue
	logger *slog.Logger
	obs    Observer

	connSeq atomic.Uint64
	wg      sync.WaitGroup
}

// NewServer creates a gateway server in front of venue.
func NewServer(venue Venue, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 1024
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 4096
	}
	if cfg.Session.Observer == nil {
		cfg.Session.Observer = nopObserver{}
	}
	return &Server{
		cfg:    cfg,
		venue:  venue,
		logger: logger,
		obs:    cfg.Session.Observer,
	}
}

// ListenAndServe listens on the configured TCP address and serves until
// ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info("gateway stopped")
				return nil
			}
			return fmt.Errorf("gateway accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs a session over conn until the peer logs out or
// disconnects, the connection idles out, or ctx is done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	name := fmt.Sprintf("gateway-%d", s.connSeq.Add(1))
	logger := s.logger.With(
		slog.String("conn", name),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	sess := NewSession(s.venue, s.cfg.Session, logger)
	sub := s.venue.Subscribe(name, s.cfg.SubscriberBuffer)
	defer sub.Close()

	s.obs.SessionOpened()
	defer s.obs.SessionClosed()
	logger.Info("session opened")
	defer logger.Info("session closed")

	out := make(chan Message, s.cfg.WriteBuffer)
	enqueue := func(m Message) {
		select {
		case out <- m:
		default:
			logger.Warn("write queue full, closing session")
			cancel()
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, conn, sess, out, logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		s.pumpEvents(ctx, sub, sess, enqueue, logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		// unblock the reader without closing the socket under the writer,
		// and bound the final flush
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now().Add(time.Second))
	}()

	s.readLoop(ctx, conn, sess, enqueue, logger)
	cancel()
	wg.Wait()
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, sess *Session, enqueue func(Message), logger *slog.Logger) {
	r := NewReader(conn)
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		if ctx.Err() != nil {
			return
		}
		raw, err := r.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, ErrMalformed):
				// framing is lost; report and drop the connection
				logger.Debug("unframeable input", slog.String("error", err.Error()))
				enqueue(sess.DecodeFailed(err))
			case errors.Is(err, io.EOF), ctx.Err() != nil:
			default:
				logger.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}

		m, err := Decode(raw)
		if err != nil {
			logger.Debug("decode failed", slog.String("error", err.Error()))
			enqueue(sess.DecodeFailed(err))
			continue
		}

		replies, closeConn := sess.HandleMessage(ctx, m)
		for _, reply := range replies {
			enqueue(reply)
		}
		if closeConn {
			return
		}
	}
}

func (s *Server) pumpEvents(ctx context.Context, sub *engine.Subscription, sess *Session, enqueue func(Message), logger *slog.Logger) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("event stream dropped", slog.String("error", err.Error()))
				}
				return
			}
			if report, ok := sess.OnEvent(ev); ok {
				enqueue(report)
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop seals and writes queued messages in order. Once ctx is done it
// flushes what is already queued, so a Logout reply still goes out.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, sess *Session, out <-chan Message, logger *slog.Logger) {
	write := func(m Message) bool {
		if s.cfg.WriteTimeout > 0 && ctx.Err() == nil {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := conn.Write(sess.Seal(m)); err != nil {
			logger.Debug("write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	for {
		select {
		case m := <-out:
			if !write(m) {
				return
			}
		case <-ctx.Done():
			for {
				select {
				case m := <-out:
					if !write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
