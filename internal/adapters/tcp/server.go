package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ekinoks/chatrelay/internal/app"
	"github.com/ekinoks/chatrelay/internal/core"
)

// Options configures the acceptor and the sessions it spawns.
type Options struct {
	Addr         string
	SendBuffer   int
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MsgLimit     int
	MsgWindow    time.Duration
}

// Server accepts connections and spawns one session per client. It never
// touches the registry itself; that is session and dispatcher territory.
type Server struct {
	opts Options
	reg  *app.Registry
	disp *app.Dispatcher
	gw   core.Gateway

	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(opts Options, reg *app.Registry, disp *app.Dispatcher, gw core.Gateway) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MsgLimit <= 0 {
		opts.MsgLimit = 60
	}
	if opts.MsgWindow <= 0 {
		opts.MsgWindow = 10 * time.Second
	}
	return &Server{
		opts:  opts,
		reg:   reg,
		disp:  disp,
		gw:    gw,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the TCP port. Split from Serve so callers can learn the
// bound address before accepting (":0" in tests).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	log.Info().Str("module", "tcp.server").Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts until ctx is cancelled, then closes every live
// connection and waits for the session goroutines to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				log.Info().Str("module", "tcp.server").Msg("acceptor stopped")
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.track(conn)
		sess := newSession(conn, s.reg, s.disp, s.gw, sessionConfig{
			sendBuffer:   s.opts.SendBuffer,
			writeTimeout: s.opts.WriteTimeout,
			idleTimeout:  s.opts.IdleTimeout,
			msgLimit:     s.opts.MsgLimit,
			msgWindow:    s.opts.MsgWindow,
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			sess.run(ctx)
		}()
	}
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
