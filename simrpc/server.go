package simrpc

import (
	"errors"
	"log"
	"net"
	"sync"
)

// HandlerFunc serves one stream.
type HandlerFunc func(stream *Stream)

// Server accepts simulator connections and dispatches streams by method.
type Server struct {
	mu       sync.Mutex
	ln       net.Listener
	conns    map[*conn]struct{}
	handlers map[string]HandlerFunc
	closed   bool
}

type conn struct {
	server        *Server
	nc            net.Conn
	writeCh       chan *Frame // outbound queue shared by every stream on nc
	done          chan struct{}
	activeStreams map[uint32]*Stream
}

// NewServer creates a Server with no handlers.
func NewServer() *Server {
	return &Server{
		conns:    make(map[*conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for method. Register before serving.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *Server) handler(method string) (HandlerFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.handlers[method]
	return fn, ok
}

func (s *Server) newConn(nc net.Conn) *conn {
	return &conn{
		server:        s,
		nc:            nc,
		writeCh:       make(chan *Frame, 64),
		done:          make(chan struct{}),
		activeStreams: make(map[uint32]*Stream),
	}
}

// serve runs readLoop in its own goroutine and writeLoop on this one.
func (c *conn) serve() {
	go c.readLoop()
	c.writeLoop()
}

func (c *conn) writeLoop() {
	for {
		select {
		case f := <-c.writeCh:
			if err := WriteFrame(c.nc, f); err != nil {
				log.Printf("[simrpc] write error: %v", err)
				c.nc.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop owns activeStreams. On exit it closes done, which stops the write
// loop and unblocks any handler still sending, then drops the connection.
func (c *conn) readLoop() {
	defer func() {
		for _, st := range c.activeStreams {
			close(st.recvChan)
		}
		close(c.done)
		c.nc.Close()
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
	}()

	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			return
		}

		st, exists := c.activeStreams[f.StreamID]
		if !exists {
			handler, ok := c.server.handler(f.Method)
			if !ok {
				log.Printf("[simrpc] unknown method %q on stream %d", f.Method, f.StreamID)
				select {
				case c.writeCh <- &Frame{StreamID: f.StreamID, Type: FrameError, Payload: []byte("unknown method " + f.Method)}:
				case <-c.done:
				}
				continue
			}
			st = &Stream{
				ID:       f.StreamID,
				recvChan: make(chan *Frame, 16),
				sendChan: c.writeCh,
				done:     c.done,
			}
			c.activeStreams[f.StreamID] = st
			go handler(st)
		}

		select {
		case st.recvChan <- f:
		default:
			log.Printf("[simrpc] stream %d receive buffer full, dropping %s frame", f.StreamID, f.Type)
		}
	}
}

// Listen binds addr. Use Addr to learn the port when addr ends in :0.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Printf("[simrpc] listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Close. Listen must have been called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("simrpc: Serve called before Listen")
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		c := s.newConn(nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go c.serve()
	}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		c.nc.Close()
	}
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
