package control

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/engine"
)

// Server hosts the two control listeners: request/response and publish.
// Publish subscribers receive every state event; a subscriber whose
// write fails is dropped.
type Server struct {
	dispatcher *Dispatcher
	logger     *zap.Logger

	reqLn net.Listener
	pubLn net.Listener

	mu       sync.Mutex
	subs     map[net.Conn]struct{}
	reqConns map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

func NewServer(registry *engine.Registry, logger *zap.Logger) *Server {
	s := &Server{
		dispatcher: NewDispatcher(registry, logger),
		logger:     logger,
		subs:       make(map[net.Conn]struct{}),
		reqConns:   make(map[net.Conn]struct{}),
	}
	registry.SetPublishFunc(s.Publish)
	return s
}

// Start binds both listeners and begins serving.
func (s *Server) Start(controlAddr, publishAddr string) error {
	reqLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return err
	}
	pubLn, err := net.Listen("tcp", publishAddr)
	if err != nil {
		reqLn.Close()
		return err
	}
	s.reqLn = reqLn
	s.pubLn = pubLn

	s.wg.Add(2)
	go s.acceptRequests()
	go s.acceptSubscribers()
	s.logger.Info("control plane listening",
		zap.String("control", controlAddr), zap.String("publish", publishAddr))
	return nil
}

// ControlAddr returns the bound request/response address.
func (s *Server) ControlAddr() net.Addr { return s.reqLn.Addr() }

// PublishAddr returns the bound publish address.
func (s *Server) PublishAddr() net.Addr { return s.pubLn.Addr() }

func (s *Server) acceptRequests() {
	defer s.wg.Done()
	for {
		conn, err := s.reqLn.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.reqConns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.reqConns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if err := WriteFrame(conn, s.dispatcher.Dispatch(frame)); err != nil {
			s.logger.Warn("control write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) acceptSubscribers() {
	defer s.wg.Done()
	for {
		conn, err := s.pubLn.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.subs[conn] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("subscriber connected", zap.String("remote", conn.RemoteAddr().String()))
	}
}

// Publish broadcasts a state event for a stream to every subscriber.
func (s *Server) Publish(streamID string, playList bool) {
	msg := PublishMessage{
		RoutingID: RoutingIdentity,
		Response:  *s.dispatcher.BuildEvent(streamID, playList),
	}
	payload, err := msg.Encode()
	if err != nil {
		s.logger.Error("encode event", zap.Error(err))
		return
	}

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.subs))
	for conn := range s.subs {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if err := WriteFrame(conn, payload); err != nil {
			s.mu.Lock()
			delete(s.subs, conn)
			s.mu.Unlock()
			conn.Close()
		}
	}
}

// Close shuts both listeners and drops all subscribers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.subs)+len(s.reqConns))
	for conn := range s.subs {
		conns = append(conns, conn)
	}
	for conn := range s.reqConns {
		conns = append(conns, conn)
	}
	s.subs = make(map[net.Conn]struct{})
	s.reqConns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	if s.reqLn != nil {
		s.reqLn.Close()
	}
	if s.pubLn != nil {
		s.pubLn.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
}
