// Package server wires the GoJam stores, the UDP relay, the SFU mixer and
// the signaling dispatcher together and runs them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"

	"github.com/NicolasHaas/gojam/pkg/audit"
	"github.com/NicolasHaas/gojam/pkg/credentials"
	"github.com/NicolasHaas/gojam/pkg/crypto"
	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/metrics"
	"github.com/NicolasHaas/gojam/pkg/persist"
	"github.com/NicolasHaas/gojam/pkg/relay"
	"github.com/NicolasHaas/gojam/pkg/rooms"
	"github.com/NicolasHaas/gojam/pkg/security"
	"github.com/NicolasHaas/gojam/pkg/sessions"
	"github.com/NicolasHaas/gojam/pkg/sfu"
	"github.com/NicolasHaas/gojam/pkg/signaling"
	"github.com/NicolasHaas/gojam/pkg/turn"
)

// AvatarURLPrefix is the path avatar references are served under.
const AvatarURLPrefix = "/avatars"

// Dependencies holds external dependencies for the server. All fields are
// optional. Server assumes ownership of Snapshots and closes it on shutdown.
type Dependencies struct {
	Snapshots persist.Snapshotter // nil opens cfg.Storage
	AvatarFS  afero.Fs            // nil means the OS filesystem
	Codec     sfu.Codec           // nil means Opus at cfg.SFU.Bitrate
	Argon2    crypto.Argon2Params // zero means crypto.DefaultArgon2Params
	Logger    *slog.Logger
}

// Server is the main GoJam server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	snapshots   persist.Snapshotter
	audit       *audit.Log
	policy      *security.Policy
	credentials *credentials.Store
	sessions    *sessions.Store
	rooms       *rooms.Registry
	mixer       *sfu.Manager
	relay       *relay.Relay
	turn        *turn.Issuer
	dispatcher  *signaling.Dispatcher
	echo        *echo.Echo
	listener    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds every component and binds the UDP socket. Nothing runs until
// Start.
func New(cfg Config, deps Dependencies) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.Component("server")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  deps.Logger,
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
	defer func() {
		if err != nil {
			if s.relay != nil {
				_ = s.relay.Close()
			}
			s.closeStores()
			cancel()
		}
	}()

	s.snapshots = deps.Snapshots
	if s.snapshots == nil {
		s.snapshots, err = persist.Open(cfg.Storage.Backend, cfg.StorageLocation())
		if err != nil {
			return nil, fmt.Errorf("server: open storage: %w", err)
		}
	}

	s.audit = audit.New(audit.DefaultCapacity, logging.Component("audit"))
	whitelist, err := security.LoadWhitelist(cfg.WhitelistFile, logging.Component("whitelist"))
	if err != nil {
		return nil, err
	}
	s.policy = security.NewPolicy(security.DefaultPolicyConfig(), whitelist, s.audit, logging.Component("security"))

	fs := deps.AvatarFS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	avatars, err := credentials.NewAvatarStore(fs, cfg.AvatarPath(), AvatarURLPrefix)
	if err != nil {
		return nil, err
	}
	s.credentials, err = credentials.Open(ctx, credentials.Options{
		Snapshots: s.snapshots,
		Avatars:   avatars,
		Argon2:    deps.Argon2,
		Logger:    logging.Component("credentials"),
	})
	if err != nil {
		return nil, err
	}
	if cfg.Admin.Username != "" {
		created, err := s.credentials.Bootstrap(ctx, cfg.Admin.Username, cfg.Admin.Password)
		if err != nil {
			return nil, fmt.Errorf("server: bootstrap admin: %w", err)
		}
		if created {
			s.logger.Info("bootstrap admin account created", "user", cfg.Admin.Username)
		}
	}

	s.sessions, err = sessions.Open(ctx, sessions.Options{
		Snapshots: s.snapshots,
		Logger:    logging.Component("sessions"),
	})
	if err != nil {
		return nil, err
	}

	s.rooms = rooms.NewRegistry(rooms.Options{Logger: logging.Component("rooms")})

	codec := deps.Codec
	if codec == nil {
		codec = sfu.OpusCodec{Bitrate: cfg.SFU.Bitrate}
	}
	s.mixer = sfu.NewManager(sfu.ManagerOptions{
		Enabled: cfg.SFU.Enabled,
		Codec:   codec,
		Metrics: s.metrics,
		Logger:  logging.Component("sfu"),
	})
	s.rooms.OnDelete(func(name string) {
		s.mixer.Disable(name)
		s.metrics.RoomsDeleted.Add(1)
	})

	s.relay, err = relay.Listen(relay.Options{
		Addr:    cfg.UDPAddr,
		Metrics: s.metrics,
		Logger:  logging.Component("relay"),
	})
	if err != nil {
		return nil, err
	}
	s.relay.SetMixer(s.mixer)

	s.turn, err = turn.NewIssuer(cfg.turnConfig())
	if err != nil {
		return nil, err
	}

	s.dispatcher, err = signaling.New(signaling.Deps{
		Credentials: s.credentials,
		Sessions:    s.sessions,
		Rooms:       s.rooms,
		Policy:      s.policy,
		Audit:       s.audit,
		Relay:       s.relay,
		Mixer:       s.mixer,
		TURN:        s.turn,
		Metrics:     s.metrics,
		Logger:      logging.Component("signaling"),
	})
	if err != nil {
		return nil, err
	}

	s.echo = s.newHTTP(signaling.NewWSHandler(s.dispatcher, signaling.WSOptions{
		TrustProxy: cfg.TrustProxy,
		Logger:     logging.Component("ws"),
	}))
	return s, nil
}

// Start launches the background loops and the HTTP listener.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("server: listen http: %w", err)
	}
	if s.cfg.TLS.enabled() {
		tlsCfg, err := loadOrGenerateTLS(s.cfg, s.logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tlsListener(ln, tlsCfg)
	}
	s.listener = ln
	s.echo.Listener = ln

	s.goRun("relay", func(ctx context.Context) {
		if err := s.relay.Serve(ctx); err != nil {
			s.logger.Error("relay stopped", "err", err)
		}
	})
	s.goRun("relay-sweep", s.relay.Run)
	s.goRun("session-sweep", s.sessions.Run)
	s.goRun("policy-sweep", s.policy.Run)
	s.goRun("sfu", func(ctx context.Context) { s.mixer.Run(ctx, s.relay.DeliverMix) })
	s.goRun("http", func(context.Context) {
		if err := s.echo.Start(""); err != nil && !isServerClosed(err) {
			s.logger.Error("http server error", "err", err)
		}
	})
	if s.cfg.MetricsLogInterval > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, logging.Component("metrics"), s.ctx.Done())
	}

	s.logger.Info("GoJam server running",
		"http", ln.Addr().String(),
		"udp", s.relay.LocalAddr().String(),
		"storage", s.cfg.Storage.Backend,
		"sfu", s.mixer.Available(),
		"turn", s.turn.Enabled(),
	)
	return nil
}

func (s *Server) goRun(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
		s.logger.Debug("loop stopped", "loop", name)
	}()
}

// HTTPAddr returns the bound HTTP address, nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// UDPAddr returns the bound relay address.
func (s *Server) UDPAddr() *net.UDPAddr { return s.relay.LocalAddr() }

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Rooms returns the room registry.
func (s *Server) Rooms() *rooms.Registry { return s.rooms }

// Credentials returns the credential store.
func (s *Server) Credentials() *credentials.Store { return s.credentials }

// Dispatcher returns the signaling dispatcher.
func (s *Server) Dispatcher() *signaling.Dispatcher { return s.dispatcher }
