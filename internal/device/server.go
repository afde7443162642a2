package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/config"
	"github.com/psu-control/psuctl/internal/protocol"
)

// maxLineLength caps one command line; longer input drops the client.
const maxLineLength = 1024

// Server answers the line protocol over TCP.
type Server struct {
	cfg      *config.EmulatorConfig
	unit     *Unit
	allowed  []*net.IPNet
	log      zerolog.Logger
	listener net.Listener
	stopChan chan struct{}

	activeConnections map[string]net.Conn
	connectionsMutex  sync.Mutex
	wg                sync.WaitGroup
}

// NewServer creates a server for unit. Every allowed CIDR must parse.
func NewServer(cfg *config.EmulatorConfig, unit *Unit, log zerolog.Logger) (*Server, error) {
	allowed := make([]*net.IPNet, 0, len(cfg.AllowedCIDRs))
	for _, cidr := range cfg.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
		allowed = append(allowed, network)
	}

	return &Server{
		cfg:               cfg,
		unit:              unit,
		allowed:           allowed,
		log:               log.With().Str("component", "device-server").Logger(),
		stopChan:          make(chan struct{}),
		activeConnections: make(map[string]net.Conn),
	}, nil
}

// Listen binds the configured address. Serve must be called afterwards.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("device server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and serves until Close.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		if !s.isAllowedConnection(conn) {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejected connection, not in allowed CIDRs")
			conn.Close()
			continue
		}
		if !s.track(conn) {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejected connection, limit reached")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()

	if s.cfg.MaxConnections > 0 && len(s.activeConnections) >= s.cfg.MaxConnections {
		return false
	}
	s.activeConnections[conn.RemoteAddr().String()] = conn
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	delete(s.activeConnections, conn.RemoteAddr().String())
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	return len(s.activeConnections)
}

// handleConnection serves one client: an optional login line, then one
// status line per command line.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := s.log.With().Str("remote", remote).Logger()
	log.Info().Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	authenticated := s.cfg.User == ""
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), maxLineLength)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Warn().Err(err).Msg("client dropped")
			} else {
				log.Info().Msg("client disconnected")
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "login ") {
			ok := s.checkLogin(line)
			if !s.reply(conn, statusFor(ok)) {
				return
			}
			if !ok {
				log.Warn().Msg("login rejected")
				return
			}
			authenticated = true
			continue
		}
		if !authenticated {
			log.Warn().Str("line", line).Msg("command before login")
			if !s.reply(conn, protocol.StatusErr) {
				return
			}
			continue
		}

		reply, err := s.unit.Execute(ctx, line)
		if err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return
			}
			reply = protocol.StatusErr
		}
		if reply == "" {
			continue
		}
		if !s.reply(conn, reply) {
			return
		}
	}
}

// checkLogin validates "login <user> <password>". Without configured
// credentials every login is accepted.
func (s *Server) checkLogin(line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return false
	}
	if s.cfg.User == "" {
		return true
	}
	return fields[1] == s.cfg.User && fields[2] == s.cfg.Password
}

func (s *Server) reply(conn net.Conn, status string) bool {
	if _, err := conn.Write([]byte(status + "\n")); err != nil {
		s.log.Warn().Err(err).Msg("failed to write status")
		return false
	}
	return true
}

func statusFor(ok bool) string {
	if ok {
		return protocol.StatusOK
	}
	return protocol.StatusErr
}

// isAllowedConnection checks the client address against the allow-list.
func (s *Server) isAllowedConnection(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	clientIP := net.ParseIP(host)
	if clientIP == nil {
		return false
	}
	for _, network := range s.allowed {
		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}

// Close stops accepting, drops every client and waits for the handlers.
func (s *Server) Close() error {
	select {
	case <-s.stopChan:
		return nil
	default:
		close(s.stopChan)
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.connectionsMutex.Lock()
	for _, conn := range s.activeConnections {
		conn.Close()
	}
	s.connectionsMutex.Unlock()

	s.wg.Wait()
	return err
}
