package smtpd

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/inboundmail/smtpd/internal/command"
	"github.com/inboundmail/smtpd/internal/session"
	"github.com/inboundmail/smtpd/internal/tlsprovider"
	"github.com/inboundmail/smtpd/internal/transport"
)

// Server owns a listener, spawns one session per accepted connection,
// enforces a global connection cap, and coordinates clean shutdown.
type Server struct {
	cfg Config

	mu       sync.Mutex
	running  bool
	listener transport.Listener
	stopCh   chan struct{}
	doneCh   chan struct{}

	handlerMu sync.RWMutex
	handler   MessageHandler

	sem chan struct{}

	register   chan sessionHandle
	unregister chan string

	nextID uint64
}

type sessionHandle struct {
	id string
}

// New builds a Server. listener is created lazily in Start unless tests
// inject one directly via newWithListener.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:        cfg,
		register:   make(chan sessionHandle),
		unregister: make(chan string),
	}
}

// newWithListener is the test seam: it lets server_test.go drive the
// server over an in-memory transport.pipeListener instead of a real
// socket.
func newWithListener(cfg Config, ln transport.Listener) *Server {
	s := New(cfg)
	s.listener = ln
	return s
}

// SetMessageHandler installs the callback invoked once per committed
// message. Safe to call before or while the server is running.
func (s *Server) SetMessageHandler(h MessageHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

func (s *Server) messageHandler() MessageHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// Start binds the listener (if one wasn't injected for testing), then
// accepts connections until Stop is called. It blocks for the life of
// the server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.listener == nil {
		ln, err := transport.ListenTCP(s.cfg.Port)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("smtpd: binding listener: %w", err)
		}
		s.listener = ln
	}
	s.sem = make(chan struct{}, s.cfg.MaxConnections)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	active := make(map[string]sessionHandle)
	coordinatorDone := make(chan struct{})
	go s.runCoordinator(active, coordinatorDone)

	log := s.cfg.Logger
	tlsConfig := s.tlsConfig(log)
	log.WithField("addr", s.listener.Addr()).Info("smtpd: listening")

	var wg sync.WaitGroup
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if err == transport.ErrListenerClosed {
				break
			}
			log.WithError(err).Warn("smtpd: accept failed, continuing")
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.stopCh:
			conn.Close()
			continue
		}

		id := fmt.Sprintf("sess-%d", atomic.AddUint64(&s.nextID, 1))
		s.register <- sessionHandle{id: id}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer func() { s.unregister <- id }()
			session.Run(conn, session.Config{
				ID:                id,
				Domain:            s.cfg.Domain,
				MaxCommandLength:  command.MaxLineLength,
				MaxMessageSize:    s.cfg.MaxMessageSize,
				ConnectionTimeout: s.cfg.ConnectionTimeout,
				CommandTimeout:    s.cfg.CommandTimeout,
				TLSConfig:         tlsConfig,
				MessageHandler:    s.messageHandler(),
				Logger:            log,
			})
		}()
	}

	wg.Wait()
	close(coordinatorDone)
	<-s.doneCh
	return nil
}

func (s *Server) tlsConfig(log logrus.FieldLogger) *tls.Config {
	if s.cfg.TLS == nil {
		return nil
	}
	built, err := tlsprovider.Build(*s.cfg.TLS)
	if err != nil {
		log.WithError(err).Error("smtpd: TLS config build failed, STARTTLS disabled")
		return nil
	}
	return built
}

func (s *Server) runCoordinator(active map[string]sessionHandle, done chan struct{}) {
	for {
		select {
		case h := <-s.register:
			active[h.id] = h
		case id := <-s.unregister:
			delete(active, id)
		case <-done:
			close(s.doneCh)
			return
		}
	}
}

// Stop closes the listener and returns without waiting. Start returns
// once every in-flight session has ended on its own (QUIT, peer close,
// a timeout, or a fatal error). Stop does not close or cancel active
// sessions.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	ln := s.listener
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	return ln.Close()
}

// activeSessionCount reports how many sessions are currently registered.
// Exposed for tests; not part of the external interface.
func (s *Server) activeSessionCount() int {
	return len(s.sem)
}
