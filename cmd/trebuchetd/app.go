// The fx module graph wiring config, logger, state store, actor system,
// transports, gateway, and host together, with fx.Lifecycle OnStart/OnStop
// hooks driving startup and drain.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/fx"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/changefeed"
	"github.com/trebuchet-run/trebuchet/internal/config"
	"github.com/trebuchet-run/trebuchet/internal/connregistry"
	"github.com/trebuchet-run/trebuchet/internal/demoactor"
	"github.com/trebuchet-run/trebuchet/internal/gateway"
	"github.com/trebuchet-run/trebuchet/internal/host"
	"github.com/trebuchet-run/trebuchet/internal/obslog"
	"github.com/trebuchet-run/trebuchet/internal/obsmetrics"
	"github.com/trebuchet-run/trebuchet/internal/obstrace"
	"github.com/trebuchet-run/trebuchet/internal/statestore"
	"github.com/trebuchet-run/trebuchet/internal/streamclient"
	"github.com/trebuchet-run/trebuchet/internal/streamserver"
	"github.com/trebuchet-run/trebuchet/internal/transport"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Runtime bundles every long-lived component the server command drives;
// fx.Lifecycle hooks call Start/Stop on it exactly once.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	system     *actor.System
	transport  *transport.FramedTransport
	streamSrv  *streamserver.Server
	gw         *gateway.Gateway
	host       *host.Host
	store      statestore.Store
	conns      *connregistry.Registry
	bridge     *changefeed.Bridge
	wsSender   *connregistry.WebSocketSender
	admin      *http.Server
	feedRouter *message.Router
	publisher  *changefeed.Publisher

	traceShutdown func(context.Context) error
}

func splitListenAddr(addr string) (string, uint16) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(p)
	return h, uint16(port)
}

// newStateStore picks BuntStore for a real path, MemoryStore for ":memory:"
// or an empty path.
func newStateStore(cfg *config.Config) (statestore.Store, error) {
	if cfg.StatePath == "" || cfg.StatePath == ":memory:" {
		return statestore.NewMemoryStore(), nil
	}
	return statestore.OpenBuntStore(cfg.StatePath)
}

// loadJWTKeySet reads cfg.JWT.KeyFile and builds the gateway.KeySet matching
// cfg.JWT.SigningKey: the raw file contents for hs256, a PEM-encoded public
// key for rs256/es256. Returns a zero KeySet (every verification call fails
// closed) when SigningKey is "none"/empty, matching an anonymous deployment.
func loadJWTKeySet(cfg *config.Config) (gateway.KeySet, error) {
	if cfg.JWT.SigningKey == "" || cfg.JWT.SigningKey == "none" {
		return gateway.KeySet{}, nil
	}
	if cfg.JWT.KeyFile == "" {
		return gateway.KeySet{}, fmt.Errorf("jwt.signing_key=%q requires jwt.key_file", cfg.JWT.SigningKey)
	}
	raw, err := os.ReadFile(cfg.JWT.KeyFile)
	if err != nil {
		return gateway.KeySet{}, fmt.Errorf("read jwt key file: %w", err)
	}

	switch cfg.JWT.SigningKey {
	case "hs256":
		return gateway.KeySet{HMACSecret: raw}, nil
	case "rs256":
		pub, err := jwt.ParseRSAPublicKeyFromPEM(raw)
		if err != nil {
			return gateway.KeySet{}, fmt.Errorf("parse rsa public key: %w", err)
		}
		return gateway.KeySet{RSAPublic: pub}, nil
	case "es256":
		pub, err := jwt.ParseECPublicKeyFromPEM(raw)
		if err != nil {
			return gateway.KeySet{}, fmt.Errorf("parse ecdsa public key: %w", err)
		}
		return gateway.KeySet{ECDSAPublic: pub}, nil
	default:
		return gateway.KeySet{}, fmt.Errorf("unsupported jwt.signing_key %q", cfg.JWT.SigningKey)
	}
}

// buildGatewayStages assembles the middleware pipeline in its fixed order:
// Validation, RateLimit, Authentication, Authorization, Tracing.
// Authentication/Authorization are only wired when a signing key is
// configured; an anonymous deployment runs Validation/RateLimit/Tracing
// only, since stages are independent and composable.
func buildGatewayStages(cfg *config.Config, logger *slog.Logger) ([]gateway.Stage, error) {
	stages := []gateway.Stage{
		gateway.NewValidationStage(gateway.ValidationConfig{MaxPayloadBytes: cfg.Validation.MaxPayloadBytes}),
	}

	var limiter gateway.Limiter
	if cfg.RateLimit.Algorithm == "sliding-window" {
		limiter = gateway.NewSlidingWindow(cfg.RateLimit.WindowSeconds, cfg.RateLimit.Limit)
	} else {
		limiter = gateway.NewTokenBucket(cfg.RateLimit.BurstSize, cfg.RateLimit.RequestsPerSecond)
	}
	limiter.StartCleanup(cfg.RateLimit.CleanupInterval)
	stages = append(stages, gateway.NewRateLimitStage(limiter))

	if cfg.JWT.SigningKey != "none" && cfg.JWT.SigningKey != "" {
		keys, err := loadJWTKeySet(cfg)
		if err != nil {
			return nil, fmt.Errorf("load jwt key material: %w", err)
		}
		stages = append(stages, gateway.NewJWTAuthStage(keys, gateway.JWTConfig{
			Issuer:                 cfg.JWT.Issuer,
			Audience:               cfg.JWT.Audience,
			ClockSkew:              cfg.JWT.ClockSkew,
			MaxAge:                 cfg.JWT.MaxAge,
			EnableReplayProtection: cfg.JWT.EnableReplayProtection,
			ReplayTTL:              cfg.JWT.JTICacheTTL,
		}))
		// The Authorization stage rejects anything no rule permits, so it
		// is wired only when a rule set is configured; no rules means an
		// authenticate-only deployment rather than one that rejects every
		// request.
		if len(cfg.Authorization.Rules) > 0 {
			rules := make([]gateway.Rule, 0, len(cfg.Authorization.Rules))
			for _, r := range cfg.Authorization.Rules {
				rules = append(rules, gateway.Rule{
					Role:             r.Role,
					ActorTypePattern: r.ActorType,
					MethodPattern:    r.Method,
				})
			}
			stages = append(stages, gateway.NewAuthorizationStage(rules))
		}
	}

	stages = append(stages, gateway.NewTracingStage(logger))
	return stages, nil
}

// newRuntime performs the actual component wiring: it is the constructor
// fx.Provide calls, kept as a plain function so the wiring order (transport
// before actor system before stream server before gateway before host) is
// explicit and linear rather than discovered by fx's reflection-based
// graph.
func newRuntime(cfg *config.Config, logger *slog.Logger, metrics *obsmetrics.Metrics) (*Runtime, error) {
	store, err := newStateStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	framed := transport.NewFramedTransport(transport.PoolConfig{
		IdleTimeout:  cfg.Transport.IdleTimeout,
		WriteTimeout: cfg.Transport.WriteTimeout,
	}, nil)

	selfHost, selfPort := splitListenAddr(cfg.ListenAddr)
	system := actor.New(actor.Config{
		SelfHost:      selfHost,
		SelfPort:      selfPort,
		ProtocolRange: actor.VersionRange{Min: cfg.Protocol.MinVersion, Max: cfg.Protocol.MaxVersion},
	}, framed)

	streamSrv := streamserver.New(streamserver.Config{
		MaxBufferSize: cfg.StreamBuffer.MaxBufferSize,
		TTL:           cfg.StreamBuffer.TTL,
	}, system)
	system.SetStreamDispatcher(streamSrv)

	// The client-side stream registry correlates this node's own outbound
	// Observe calls (it is both server and client of the streaming protocol,
	// since any node can proxy to an actor hosted elsewhere); wiring it here
	// is what makes RemoteProxy.Observe functional.
	streamClient := streamclient.NewRegistry()
	system.SetStreamClient(streamClient)

	dispatch := func(ctx context.Context, env wire.Envelope) wire.Envelope {
		ref := system.Resolve(env.ActorID)
		result, err := ref.Invoke(ctx, env.Target, env.GenericSubstitutions, env.Arguments)
		if err != nil {
			return wire.NewResponseError(env.CallID, err.Error())
		}
		return wire.NewResponseOK(env.CallID, result)
	}
	gwStages, err := buildGatewayStages(cfg, logger)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(gateway.WrapDispatch(logger, dispatch), metrics, gwStages...)

	h := host.New(host.Config{
		Addr:          cfg.ListenAddr,
		DrainDeadline: cfg.DrainDeadline,
	}, framed, system, logger)
	streamSrv.SetTracker(h)

	conns := connregistry.New(5 * time.Minute)

	echoID := actorid.New("echo", selfHost, selfPort)
	if err := system.Expose(echoID, demoactor.Echo{}); err != nil {
		return nil, fmt.Errorf("expose echo actor: %w", err)
	}
	counterID := actorid.New("counter", selfHost, selfPort)
	if err := system.Expose(counterID, demoactor.NewCounter()); err != nil {
		return nil, fmt.Errorf("expose counter actor: %w", err)
	}

	wsSender := connregistry.NewWebSocketSender()
	bridge := changefeed.NewBridge(conns, wsSender, logger)

	// The admin HTTP surface carries the health probe and the
	// request/response invocation path; both are HTTP concerns the framed
	// TCP listener doesn't serve, so they get their own address.
	httpTransport := transport.NewHTTPTransport(0)
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		hp := h.HealthProbe()
		w.Header().Set("Content-Type", "application/json")
		if hp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(hp)
	})
	router.Post("/invoke", httpTransport.ServerHandler(gw.HandleWithMetadata))
	admin := &http.Server{Addr: cfg.AdminAddr, Handler: router}

	feedPub, feedSub, err := newChangeFeedPubSub(cfg, logger)
	if err != nil {
		return nil, err
	}
	publisher := changefeed.NewPublisher(feedPub)

	// Every versioned write to the store now also emits a change-feed Event,
	// making Bridge.Handle (consumer side, wired below) reachable in a real
	// deployment instead of only in its own isolated tests.
	publishingStore := changefeed.NewPublishingStore(store, publisher)

	feedRouter, err := message.NewRouter(message.RouterConfig{}, obslog.Watermill(logger))
	if err != nil {
		return nil, fmt.Errorf("build change-feed router: %w", err)
	}
	changefeed.RegisterHandler(feedRouter, feedSub, bridge)

	return &Runtime{
		cfg: cfg, logger: logger, system: system, transport: framed,
		streamSrv: streamSrv, gw: gw, host: h, store: publishingStore,
		conns: conns, bridge: bridge, wsSender: wsSender, admin: admin,
		feedRouter: feedRouter, publisher: publisher,
		traceShutdown: obstrace.Setup(serviceName),
	}, nil
}

// newChangeFeedPubSub picks the change-feed broker: an in-process
// gochannel pubsub for single-node runs, or a durable AMQP binding with a
// per-node queue — every instance gets its own queue so all of them see
// every state change — when change_feed.amqp_url is configured.
func newChangeFeedPubSub(cfg *config.Config, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wmLogger := obslog.Watermill(logger)
	if cfg.ChangeFeed.AMQPURL == "" {
		gch := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		return gch, gch, nil
	}

	nodeID, err := os.Hostname()
	if err != nil {
		nodeID = watermill.NewShortUUID()
	}
	amqpCfg := amqp.NewDurablePubSubConfig(cfg.ChangeFeed.AMQPURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("."+nodeID))

	pub, err := amqp.NewPublisher(amqpCfg, wmLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("build amqp publisher: %w", err)
	}
	sub, err := amqp.NewSubscriber(amqpCfg, wmLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("build amqp subscriber: %w", err)
	}
	return pub, sub, nil
}

// Start runs the host's accept loop in the background; Host.Run itself
// blocks, so it must not be called on the fx lifecycle goroutine.
func (r *Runtime) Start(ctx context.Context) error {
	go func() {
		if err := r.host.Run(context.Background()); err != nil {
			r.logger.Error("host run exited", "err", err)
		}
	}()
	go func() {
		if err := r.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("admin server exited", "err", err)
		}
	}()
	go func() {
		if err := r.feedRouter.Run(context.Background()); err != nil {
			r.logger.Error("change-feed router exited", "err", err)
		}
	}()
	return nil
}

// Stop drains the host and releases the state store.
func (r *Runtime) Stop(ctx context.Context) error {
	err := r.host.Shutdown(ctx)
	if aerr := r.admin.Shutdown(ctx); aerr != nil && err == nil {
		err = aerr
	}
	if ferr := r.feedRouter.Close(); ferr != nil && err == nil {
		err = ferr
	}
	r.streamSrv.Shutdown()
	r.conns.Shutdown()
	if closer, ok := r.store.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if r.traceShutdown != nil {
		if terr := r.traceShutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

// newApp builds the fx.App for "trebuchetd server": config is loaded by
// the CLI action before this is called, keeping flag parsing out of the
// dependency graph.
func newApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func(cfg *config.Config) *slog.Logger { return obslog.New(obslog.Level(cfg.LogLevel)) },
			func() (*obsmetrics.Metrics, error) { return obsmetrics.New() },
			newRuntime,
		),
		fx.Invoke(func(lc fx.Lifecycle, rt *Runtime) {
			lc.Append(fx.Hook{OnStart: rt.Start, OnStop: rt.Stop})
		}),
	)
}
