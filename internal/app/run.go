package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/agora/internal/auth"
	"github.com/petervdpas/agora/internal/broker"
	"github.com/petervdpas/agora/internal/bus"
	"github.com/petervdpas/agora/internal/call"
	"github.com/petervdpas/agora/internal/config"
	"github.com/petervdpas/agora/internal/gateway"
	"github.com/petervdpas/agora/internal/notify"
	"github.com/petervdpas/agora/internal/presence"
	"github.com/petervdpas/agora/internal/storage"
	"github.com/petervdpas/agora/internal/telemetry"
	"github.com/petervdpas/agora/internal/util"
)

var log = logging.Logger("agora/app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Hub connects in-process nodes when broker.kind is "memory". Nil
	// creates a private hub.
	Hub *broker.Hub
}

// Server is one running node: storage, bus, broker bridge, presence, calls
// and the HTTP surface.
type Server struct {
	cfg    config.Config
	nodeID string

	db       *storage.DB
	appender *storage.Appender
	bus      *bus.Bus
	broker   broker.Broker
	bridge   *broker.Bridge
	presence *presence.Store
	calls    *call.Manager
	gateway  *gateway.Gateway
	notify   *notify.Service
	hooks    *auth.HookVerifier
	metrics  *telemetry.Metrics

	closeAuth func()
	mux       *http.ServeMux
}

// New opens storage and the broker and wires every component. Background
// loops start in Run.
func New(ctx context.Context, opt Options) (*Server, error) {
	cfg := opt.Cfg
	s := &Server{cfg: cfg, nodeID: cfg.Server.NodeID, closeAuth: func() {}}
	if s.nodeID == "" {
		s.nodeID = "node-" + uuid.NewString()[:8]
	}
	s.metrics = telemetry.Global()

	dbPath := util.ResolvePath(opt.Dir, cfg.Storage.DBPath)
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db
	s.appender = storage.NewAppender(db, cfg.Storage.AppendQueue)

	s.bus = bus.New(s.nodeID, bus.WithMetrics(s.metrics))
	s.bus.OnPublish(s.appender.Append)

	brk, err := broker.Open(ctx, cfg.Broker, s.nodeID, opt.Hub)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s broker: %w", cfg.Broker.Kind, err)
	}
	if brk != nil {
		s.broker = brk
		s.bridge = broker.NewBridge(brk, s.bus, broker.BridgeOptions{
			Prefix:         cfg.Broker.Prefix,
			QueueSize:      cfg.Broker.ForwardQueue,
			MaxRetry:       time.Duration(cfg.Broker.MaxRetrySec) * time.Second,
			PublishTimeout: time.Duration(cfg.Broker.PublishTimeoutSec) * time.Second,
			Metrics:        s.metrics,
		})
		s.bus.SetForwarder(s.bridge)
	}

	s.presence = presence.New(s.bus, presence.WithMetrics(s.metrics))
	s.calls = call.New(s.bus,
		call.WithRingTimeout(time.Duration(cfg.Calls.RingTimeoutSec)*time.Second),
		call.WithMetrics(s.metrics),
		call.WithICEServers(cfg.Calls.ICEURLs),
	)

	resolver, closeAuth, err := newResolver(ctx, cfg.Auth, opt.Dir)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	s.closeAuth = closeAuth

	s.gateway = gateway.New(gateway.Deps{
		Bus:      s.bus,
		Presence: s.presence,
		Calls:    s.calls,
		Auth:     resolver,
		Store:    db,
		Metrics:  s.metrics,
	}, gateway.OptionsFromConfig(cfg))
	s.notify = notify.New(s.bus, db)
	s.hooks = auth.NewHookVerifier(cfg.Hooks.SecretHash)

	s.mux = http.NewServeMux()
	s.routes(s.mux)
	return s, nil
}

func (s *Server) NodeID() string { return s.nodeID }

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves HTTP and runs the background loops until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.appender.Run(gctx) })
	if s.bridge != nil {
		g.Go(func() error { return s.bridge.Run(gctx) })
	}
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		log.Infof("listening on http://%s (node %s)", ln.Addr(), s.nodeID)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.gateway.Close()
		s.calls.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases storage, the broker and the auth resolver. Call after Run
// returns.
func (s *Server) Close() error {
	if s.gateway != nil {
		s.gateway.Close()
	}
	if s.calls != nil {
		s.calls.Close()
	}
	s.closeAuth()
	var all []error
	if s.broker != nil {
		all = append(all, s.broker.Close())
	}
	if s.db != nil {
		all = append(all, s.db.Close())
	}
	return errors.Join(all...)
}

// Run builds a Server from opt and runs it until ctx is done.
func Run(ctx context.Context, opt Options) error {
	applyLogLevels(opt.Cfg.Log)
	logBanner(opt.Dir, opt.CfgPath, opt.Cfg)

	shutdownTelemetry, err := telemetry.Init(ctx,
		opt.Cfg.Telemetry.OTLPEndpoint,
		opt.Cfg.Telemetry.ServiceName,
		time.Duration(opt.Cfg.Telemetry.ExportSec)*time.Second,
	)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warnf("telemetry shutdown: %v", err)
		}
	}()

	s, err := New(ctx, opt)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Run(ctx)
	log.Infof("node %s stopped", s.nodeID)
	return err
}
