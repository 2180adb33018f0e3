// Package server wires a loaded config.Config into a running NFS
// server: it instantiates the configured VFS backends, builds the
// export table, and starts the PORTMAP/MOUNT/NFS listeners, following
// cmd/dittofs/commands/start.go's context-scoped lifecycle pattern —
// construct everything up front, Serve each listener on its own
// goroutine, Stop them all on shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/admin"
	"github.com/driftfs/nfsd/pkg/config"
	"github.com/driftfs/nfsd/pkg/metrics"
	"github.com/driftfs/nfsd/pkg/metrics/prometheus"
	"github.com/driftfs/nfsd/pkg/mount"
	"github.com/driftfs/nfsd/pkg/nfs3"
	"github.com/driftfs/nfsd/pkg/nfs4"
	"github.com/driftfs/nfsd/pkg/portmap"
	"github.com/driftfs/nfsd/pkg/vfs"
	"github.com/driftfs/nfsd/pkg/vfs/backend/badgerfs"
	"github.com/driftfs/nfsd/pkg/vfs/backend/memfs"
)

// closer is implemented by backends that own a resource needing an
// orderly shutdown (badgerfs's embedded database); memfs has nothing to
// close and so is left out of Server.closers.
type closer interface {
	Close() error
}

// Server owns every listener and backend instance built from a
// config.Config, plus their combined graceful-shutdown sequence.
type Server struct {
	cfg *config.Config

	registry   *vfs.Registry
	dispatcher *vfs.Dispatcher
	table      *mount.Table
	closers    []closer

	portmapServer *portmap.Server
	mountServer   *mount.Server
	nfsServer     *nfs3.Server
	v4Handler     *nfs4.Handler
	adminServer   *http.Server
	metricsServer *http.Server

	badgerBackends []*badgerfs.Backend
	cacheReporter  prometheus.BadgerCacheReporter

	wg sync.WaitGroup
}

// New builds a Server from cfg: it instantiates one VFS backend per
// config.MountConfig, registers each in a vfs.Registry keyed by magic
// byte, resolves each config.ExportConfig's backend root into a
// mount.Export, and constructs (without starting) the PORTMAP, MOUNT,
// and NFSv3+v4 listeners.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, registry: vfs.NewRegistry()}

	byName := make(map[string]mount.Export, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		backend, rootFH, err := s.buildBackend(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("server: mount %q: %w", m.ExportName, err)
		}
		if err := s.registry.Register(backend); err != nil {
			return nil, fmt.Errorf("server: mount %q: %w", m.ExportName, err)
		}
		if c, ok := backend.(closer); ok {
			s.closers = append(s.closers, c)
		}
		if b, ok := backend.(*badgerfs.Backend); ok {
			s.badgerBackends = append(s.badgerBackends, b)
		}
		byName[m.ExportName] = mount.Export{RootFH: rootFH, Backend: backend}
	}

	exports := make([]mount.Export, 0, len(cfg.Exports))
	for _, e := range cfg.Exports {
		base, ok := byName[e.LogicalPath]
		if !ok {
			return nil, fmt.Errorf("server: export %q: unknown mount %q", e.Name, e.LogicalPath)
		}
		exports = append(exports, mount.Export{Name: e.Name, RootFH: base.RootFH, Backend: base.Backend})
	}

	s.table = mount.NewTable(exports)
	s.dispatcher = vfs.NewDispatcher(s.registry)

	fsInfo := nfs3.DefaultFSInfoLimits
	if cfg.NFSRDMA || cfg.NFSTCPRDMAPort != 0 {
		fsInfo = nfs3.RDMAFSInfoLimits
	}
	bootVerifier := uint64(time.Now().UnixNano())

	s.metricsServer = metrics.Init(cfg.Metrics.Enabled, cfg.Metrics.Port)
	nfsMetrics := prometheus.NewNFSMetrics()
	s.cacheReporter = prometheus.NewBadgerMetrics()

	v3Handler := nfs3.NewHandler(s.dispatcher, fsInfo, bootVerifier)
	s.v4Handler = nfs4.NewHandler(s.dispatcher, s.table)

	s.nfsServer = nfs3.NewServer(nfs3.ServerConfig{Port: cfg.NFSPort, Handler: v3Handler, V4: s.v4Handler, Metrics: nfsMetrics})
	s.mountServer = mount.NewServer(mount.ServerConfig{Port: cfg.MountPort, Table: s.table})

	if !cfg.ExternalPortmap {
		reg := portmap.NewDefaultRegistry(cfg.Host, cfg.PortmapPort, cfg.NFSPort, cfg.MountPort)
		s.portmapServer = portmap.NewServer(portmap.ServerConfig{Port: cfg.PortmapPort, Registry: reg})
	}

	if cfg.Admin.Enabled {
		adminAPI := admin.New(s, cfg.Admin.BearerToken)
		s.adminServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Admin.Port), Handler: adminAPI}
	}

	return s, nil
}

// buildBackend instantiates the vfs.Backend named by m.BackendModule and
// returns it along with its root file handle.
func (s *Server) buildBackend(ctx context.Context, m config.MountConfig) (vfs.Backend, vfs.FileHandle, error) {
	switch m.BackendModule {
	case "memfs":
		b := memfs.New(uint64(len(s.closers) + 1))
		return b, b.RootFH(), nil
	case "badgerfs":
		cfg := badgerfs.Config{Path: m.BackendPath, FSID: uint64(len(s.closers) + 1)}
		if bucket, _ := m.ModuleConfig["s3_bucket"].(string); bucket != "" {
			cfg.S3.Bucket = bucket
			cfg.S3.Prefix, _ = m.ModuleConfig["s3_prefix"].(string)
			if threshold, ok := m.ModuleConfig["s3_inline_threshold"].(float64); ok {
				cfg.S3.InlineThreshold = uint64(threshold)
			}
		}
		b, err := badgerfs.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return b, b.RootFH(), nil
	default:
		return nil, nil, fmt.Errorf("unknown backend module %q", m.BackendModule)
	}
}

// Run starts every listener and blocks until ctx is canceled, then
// drains them within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	start := func(name string, serve func(context.Context) error) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := serve(ctx); err != nil {
				logger.Error("server: listener stopped", "listener", name, "error", err)
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("nfs", s.nfsServer.Serve)
	start("mount", s.mountServer.Serve)
	if s.portmapServer != nil {
		start("portmap", s.portmapServer.Serve)
	}
	if s.adminServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server: admin listener stopped", "error", err)
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}
	if s.metricsServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server: metrics listener stopped", "error", err)
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}
	if s.cfg.Metrics.Enabled && len(s.badgerBackends) > 0 {
		s.wg.Add(1)
		go s.reportBadgerCache(ctx)
	}

	logger.Info("server: listening",
		"nfs_port", s.cfg.NFSPort, "mount_port", s.cfg.MountPort,
		"external_portmap", s.cfg.ExternalPortmap, "exports", len(s.cfg.Exports))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return s.shutdown()
}

// shutdown stops every listener and closes every backend, bounded by
// cfg.ShutdownTimeout.
func (s *Server) shutdown() error {
	s.nfsServer.Stop()
	s.mountServer.Stop()
	if s.portmapServer != nil {
		s.portmapServer.Stop()
	}
	if s.adminServer != nil {
		_ = s.adminServer.Close()
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn("server: shutdown timeout exceeded, closing backends anyway")
	}

	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Table exposes the export table, e.g. for the admin API.
func (s *Server) Table() *mount.Table { return s.table }

// Sessions exposes the NFSv4 session registry, e.g. for the admin API.
func (s *Server) Sessions() []nfs4.SessionSummary { return s.v4Handler.Clients.Sessions() }

// badgerCacheReportInterval is how often reportBadgerCache polls each
// badgerfs backend's cumulative ristretto cache counters.
const badgerCacheReportInterval = 15 * time.Second

// reportBadgerCache polls every badgerfs backend's block/index cache
// counters on a fixed interval until ctx is canceled.
func (s *Server) reportBadgerCache(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(badgerCacheReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range s.badgerBackends {
				block, index := b.CacheMetrics()
				s.cacheReporter.Report(block, index)
			}
		}
	}
}
