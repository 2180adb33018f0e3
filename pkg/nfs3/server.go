package nfs3

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/metrics"
	"github.com/driftfs/nfsd/pkg/rpc"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// ProgramNumber and VersionNumber are the NFS program's RPC registration
// (RFC 1813 §1): program 100003, version 3. Version 4 is served by
// pkg/nfs4 on the same TCP port; this listener dispatches v3 calls
// directly and hands v4 calls to an optionally attached compound engine.
const ProgramNumber uint32 = 100003
const VersionNumber uint32 = 3

// CompoundHandler is implemented by pkg/nfs4's engine. Kept as a narrow
// interface here so pkg/nfs3 never imports pkg/nfs4 — the dependency runs
// the other way, from the server's wiring code.
type CompoundHandler interface {
	Null(ctx context.Context) ([]byte, error)
	Compound(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error)
}

// NFSv4 procedure numbers on the shared RPC program (RFC 7530 §3.1):
// only two exist, unlike v3's large per-operation procedure set.
const (
	procV4Null     = 0
	procV4Compound = 1
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Port    int
	Handler *Handler
	// V4 is optional; when set, version 4 calls on this same port are
	// routed to it instead of rejected with PROG_MISMATCH.
	V4 CompoundHandler
	// Metrics is optional; nil disables request instrumentation.
	Metrics metrics.NFSMetrics
}

// Server is the NFS v3 (+ optional v4) RPC listener: TCP only, per RFC
// 1813 §1 ("NFS version 3 protocol ... is specified to use TCP"), with
// record-marking framing via pkg/rpc.
type Server struct {
	config       ServerConfig
	listener     net.Listener
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer builds a Server bound to config.
func NewServer(config ServerConfig) *Server {
	if config.Metrics == nil {
		config.Metrics = metrics.Noop
	}
	return &Server{config: config, shutdown: make(chan struct{})}
}

// Serve starts accepting connections and blocks until ctx is canceled or
// Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("nfs3: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.shutdown:
					return
				default:
					logger.Warn("nfs3: accept failed", "error", err)
					continue
				}
			}
			s.config.Metrics.RecordConnectionAccepted()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.config.Metrics.RecordConnectionClosed()
				s.handleConn(conn)
			}()
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	<-s.shutdown
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	for {
		msg, err := rpc.ReadRecord(conn)
		if err != nil {
			return
		}
		reply := s.process(msg, clientIP)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func credFromAuth(header *rpc.CallHeader) vfs.Cred {
	if header.CredFlavor != rpc.AuthUnix {
		return vfs.Root
	}
	unix, err := rpc.ParseUnixAuth(header.CredBody)
	if err != nil {
		return vfs.Root
	}
	return vfs.Cred{UID: unix.UID, GID: unix.GID, Groups: unix.GIDs}
}

func (s *Server) process(msg []byte, clientIP string) []byte {
	header, body, err := rpc.DecodeCallHeader(msg)
	if err != nil {
		logger.Warn("nfs3: malformed call header", "error", err, "client", clientIP)
		return nil
	}
	if header.Program != ProgramNumber {
		return rpc.MakeProgUnavailReply(header.XID)
	}

	cred := credFromAuth(header)
	ctx := context.Background()

	switch header.Version {
	case VersionNumber:
		return s.dispatchV3(ctx, header, body, cred)
	case 4:
		if s.config.V4 == nil {
			reply, _ := rpc.MakeProgMismatchReply(header.XID, VersionNumber, VersionNumber)
			return reply
		}
		var result []byte
		var err error
		switch header.Procedure {
		case procV4Null:
			result, err = s.config.V4.Null(ctx)
		case procV4Compound:
			result, err = s.config.V4.Compound(ctx, cred, body)
		default:
			return rpc.MakeProcUnavailReply(header.XID)
		}
		if err != nil {
			return rpc.MakeGarbageArgsReply(header.XID)
		}
		return rpc.MakeSuccessReply(header.XID, result)
	default:
		high := VersionNumber
		if s.config.V4 != nil {
			high = 4
		}
		reply, _ := rpc.MakeProgMismatchReply(header.XID, VersionNumber, high)
		return reply
	}
}

func (s *Server) dispatchV3(ctx context.Context, header *rpc.CallHeader, body []byte, cred vfs.Cred) []byte {
	h := s.config.Handler
	var result []byte
	var err error

	proc := procedureName(header.Procedure)
	s.config.Metrics.RecordRequestStart(proc, "")
	start := time.Now()
	defer func() {
		s.config.Metrics.RecordRequestEnd(proc, "")
		errCode := ""
		if err != nil {
			errCode = "decode_error"
		}
		s.config.Metrics.RecordRequest(proc, "", time.Since(start), errCode)
	}()

	switch header.Procedure {
	case ProcNull:
		result, err = h.Null(ctx)
	case ProcGetAttr:
		result, err = h.GetAttr(ctx, cred, body)
	case ProcSetAttr:
		result, err = h.SetAttr(ctx, cred, body)
	case ProcLookup:
		result, err = h.Lookup(ctx, cred, body)
	case ProcAccess:
		result, err = h.Access(ctx, cred, body)
	case ProcReadlink:
		result, err = h.Readlink(ctx, cred, body)
	case ProcRead:
		result, err = h.Read(ctx, cred, body)
	case ProcWrite:
		result, err = h.Write(ctx, cred, body)
	case ProcCreate:
		result, err = h.Create(ctx, cred, body)
	case ProcMkdir:
		result, err = h.Mkdir(ctx, cred, body)
	case ProcSymlink:
		result, err = h.Symlink(ctx, cred, body)
	case ProcMknod:
		result, err = h.Mknod(ctx, cred, body)
	case ProcRemove:
		result, err = h.Remove(ctx, cred, body)
	case ProcRmdir:
		result, err = h.Rmdir(ctx, cred, body)
	case ProcRename:
		result, err = h.Rename(ctx, cred, body)
	case ProcLink:
		result, err = h.Link(ctx, cred, body)
	case ProcReaddir:
		result, err = h.Readdir(ctx, cred, body)
	case ProcReaddirPlus:
		result, err = h.ReaddirPlus(ctx, cred, body)
	case ProcFsstat:
		result, err = h.Fsstat(ctx, cred, body)
	case ProcFsinfo:
		result, err = h.Fsinfo(ctx, cred, body)
	case ProcPathconf:
		result, err = h.Pathconf(ctx, cred, body)
	case ProcCommit:
		result, err = h.Commit(ctx, cred, body)
	default:
		return rpc.MakeProcUnavailReply(header.XID)
	}

	if err != nil {
		logger.Debug("nfs3: procedure decode/encode failed", "proc", header.Procedure, "error", err)
		return rpc.MakeGarbageArgsReply(header.XID)
	}
	return rpc.MakeSuccessReply(header.XID, result)
}

// Stop signals shutdown and closes the listener, then returns without
// waiting. Open connections are not closed; Serve returns once each of
// them has ended.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// Addr returns the listener's address, or "" before Serve starts it.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
