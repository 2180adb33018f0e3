package mount

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/portmap"
	"github.com/driftfs/nfsd/pkg/rpc"
)

// ServerConfig holds configuration for the MOUNT v3 server.
type ServerConfig struct {
	// Port is the TCP port to listen on (20048 per §6.1's registration
	// table, unless the client reaches MOUNT entirely through portmap
	// GETPORT/GETADDR redirection).
	Port int

	// Table is the export table procedure handlers are served against.
	Table *Table
}

// Server implements MOUNT v3 (RFC 1813 Appendix I) over TCP — unlike
// PORTMAP, MOUNT has no UDP requirement in the registration table this
// server advertises (§6.1).
//
// Adapted from pkg/portmap/server.go's single-listener half (no UDP
// side): accept loop, record-marked reads, processRPCMessage dispatch.
type Server struct {
	config       ServerConfig
	handler      *Handler
	listener     net.Listener
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a MOUNT server over table.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		config:   cfg,
		handler:  NewHandler(cfg.Table),
		shutdown: make(chan struct{}),
	}
}

// Serve starts the TCP listener. It blocks until ctx is cancelled or
// Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mount: listen %s: %w", addr, err)
	}
	s.listener = listener

	logger.Info("mount server started", "address", addr)

	s.wg.Add(1)
	go s.serve(ctx)

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

func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("mount: accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	clientAddr := conn.RemoteAddr().String()
	host, _, splitErr := net.SplitHostPort(clientAddr)
	if splitErr != nil {
		host = clientAddr
	}

	for {
		if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
			logger.Debug("mount: set deadline failed", "client", clientAddr, "error", err)
			return
		}

		msg, err := rpc.ReadRecord(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("mount: read record error", "client", clientAddr, "error", err)
			}
			return
		}

		reply := s.process(msg, host)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			logger.Debug("mount: write reply error", "client", clientAddr, "error", err)
			return
		}
	}
}

// process parses one RPC call and dispatches it against the procedure
// set, returning a fully framed success/error reply.
func (s *Server) process(msg []byte, clientIP string) []byte {
	header, body, err := rpc.DecodeCallHeader(msg)
	if err != nil {
		logger.Debug("mount: decode call error", "client", clientIP, "error", err)
		return nil
	}

	if header.Program != portmap.ProgramMount {
		return rpc.MakeProgUnavailReply(header.XID)
	}
	if header.Version != VersionMount {
		reply, err := rpc.MakeProgMismatchReply(header.XID, VersionMount, VersionMount)
		if err != nil {
			return nil
		}
		return reply
	}

	ctx := context.Background()
	var result []byte
	switch header.Procedure {
	case ProcNull:
		if err := s.handler.Null(ctx); err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
	case ProcMnt:
		req, err := DecodeRequest(body)
		if err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
		resp, err := s.handler.Mnt(ctx, clientIP, req)
		if err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
		result, err = resp.Encode()
		if err != nil {
			logger.Debug("mount: encode MNT reply failed", "error", err)
			return nil
		}
	case ProcDump:
		result, err = EncodeMountList(s.handler.Dump(ctx))
		if err != nil {
			logger.Debug("mount: encode DUMP reply failed", "error", err)
			return nil
		}
	case ProcUmnt:
		req, err := DecodeRequest(body)
		if err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
		if err := s.handler.Umnt(ctx, clientIP, req); err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
	case ProcUmntAll:
		if err := s.handler.UmntAll(ctx, clientIP); err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
	case ProcExport:
		result, err = EncodeExportList(s.handler.Export(ctx))
		if err != nil {
			logger.Debug("mount: encode EXPORT reply failed", "error", err)
			return nil
		}
	default:
		logger.Debug("mount: procedure unavailable", "procedure", header.Procedure, "client", clientIP)
		return rpc.MakeProcUnavailReply(header.XID)
	}

	return rpc.MakeSuccessReply(header.XID, result)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// Addr returns the listener address, for tests.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
