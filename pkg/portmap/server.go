package portmap

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/rpc"
)

// maxUDPPacket is the largest UDP datagram the server will read; portmap
// messages are tiny, this is generous headroom.
const maxUDPPacket = 65535

// ServerConfig holds configuration for the portmap/rpcbind server.
type ServerConfig struct {
	// Port is the port to listen on (111 per RFC 1833, unless
	// external_portmap is set and this server isn't run at all).
	Port int

	// Registry is the service registry used by procedure handlers.
	Registry *Registry
}

// Server implements PORTMAP v2 / rpcbind v3/v4, listening on both TCP and
// UDP as RFC 1833 requires.
//
// Adapted from internal/protocol/portmap/server.go: the dual-listener
// shutdown/wg structure is kept verbatim in spirit; processRPCMessage is
// rewritten against pkg/rpc (the teacher's internal/protocol/nfs/rpc
// package no longer exists under that name) and against a registry that
// answers both v2 GETPORT and v3/v4 GETADDR.
type Server struct {
	config       ServerConfig
	handler      *Handler
	tcpListener  net.Listener
	udpConn      *net.UDPConn
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a new portmap/rpcbind server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		config:   cfg,
		handler:  NewHandler(cfg.Registry),
		shutdown: make(chan struct{}),
	}
}

// Serve starts the server on both TCP and UDP. It blocks until ctx is
// cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("portmap: listen TCP %s: %w", addr, err)
	}
	s.tcpListener = tcpListener

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		_ = s.tcpListener.Close()
		return fmt.Errorf("portmap: resolve UDP %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = s.tcpListener.Close()
		return fmt.Errorf("portmap: listen UDP %s: %w", addr, err)
	}
	s.udpConn = udpConn

	logger.Info("portmap server started", "address", addr)

	s.wg.Add(2)
	go s.serveTCP(ctx)
	go s.serveUDP(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	s.wg.Wait()
	return nil
}

func (s *Server) serveTCP(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("portmap: TCP accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleTCPConn(c)
		}(conn)
	}
}

// handleTCPConn handles one TCP connection using RPC record marking.
func (s *Server) handleTCPConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	clientAddr := conn.RemoteAddr().String()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		logger.Debug("portmap: set deadline failed", "client", clientAddr, "error", err)
		return
	}

	msg, err := rpc.ReadRecord(conn)
	if err != nil {
		if err != io.EOF {
			logger.Debug("portmap: read record error", "client", clientAddr, "error", err)
		}
		return
	}

	reply := s.processRPCMessage(msg, clientAddr)
	if reply == nil {
		return
	}
	if _, err := conn.Write(reply); err != nil {
		logger.Debug("portmap: write TCP reply error", "client", clientAddr, "error", err)
	}
}

func (s *Server) serveUDP(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, maxUDPPacket)
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := s.udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				continue
			}
		}

		n, clientAddr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("portmap: UDP read error", "error", err)
				continue
			}
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		// processRPCMessage's reply includes TCP record marking, which
		// UDP never carries, so it is stripped before sending.
		reply := s.processRPCMessage(msg, clientAddr.String())
		if reply == nil {
			continue
		}
		reply = reply[4:] // strip the TCP record-marking header processRPCMessage adds
		if _, err := s.udpConn.WriteToUDP(reply, clientAddr); err != nil {
			logger.Debug("portmap: write UDP reply error", "client", clientAddr.String(), "error", err)
		}
	}
}

// processRPCMessage parses an RPC call, dispatches it, and returns a
// fully framed reply (including the 4-byte TCP record-marking header;
// serveUDP strips it back off before sending).
func (s *Server) processRPCMessage(msg []byte, clientAddr string) []byte {
	header, body, err := rpc.DecodeCallHeader(msg)
	if err != nil {
		logger.Debug("portmap: decode call error", "client", clientAddr, "error", err)
		return nil
	}

	if header.Program != ProgramPortmap {
		logger.Debug("portmap: wrong program", "program", header.Program, "client", clientAddr)
		return rpc.MakeProgUnavailReply(header.XID)
	}

	switch header.Version {
	case VersionPortmap2, VersionRPCBind3, VersionRPCBind4:
	default:
		reply, err := rpc.MakeProgMismatchReply(header.XID, VersionPortmap2, VersionRPCBind4)
		if err != nil {
			return nil
		}
		return reply
	}

	host, _, splitErr := net.SplitHostPort(clientAddr)
	if splitErr != nil {
		host = clientAddr
	}

	var result []byte
	switch header.Procedure {
	case ProcNull:
		result = s.handler.Null()
	case ProcSet:
		result, err = s.handler.Set(body, host)
	case ProcUnset:
		result, err = s.handler.Unset(body)
	case ProcGetport:
		if header.Version == VersionPortmap2 {
			result, err = s.handler.Getport(body)
		} else {
			result, err = s.handler.Getaddr(body)
		}
	case ProcDump:
		result = s.handler.Dump()
	default:
		logger.Debug("portmap: procedure unavailable", "procedure", header.Procedure, "client", clientAddr)
		return rpc.MakeProcUnavailReply(header.XID)
	}
	if err != nil {
		logger.Debug("portmap: handler error", "procedure", header.Procedure, "client", clientAddr, "error", err)
		if result == nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
	}

	return rpc.MakeSuccessReply(header.XID, result)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.tcpListener != nil {
			_ = s.tcpListener.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
	})
}

// Addr returns the TCP listener address, for tests.
func (s *Server) Addr() string {
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return ""
}

// UDPAddr returns the UDP listener address, for tests.
func (s *Server) UDPAddr() string {
	if s.udpConn != nil {
		return s.udpConn.LocalAddr().String()
	}
	return ""
}
