package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/backendproxy/config"
	"github.com/guseggert/backendproxy/health"
	"github.com/guseggert/backendproxy/internal/logging"
	"github.com/guseggert/backendproxy/proxy"
	"github.com/guseggert/backendproxy/proxy/forward"
	"github.com/guseggert/backendproxy/proxy/relay"
	"github.com/guseggert/backendproxy/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "backendproxy",
		Usage: "launch a backend process and proxy HTTP and WebSocket traffic to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a config file. Defaults to backendproxy.yaml in . or ./config if present.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the proxy to listen on.",
			},
			&cli.StringFlag{
				Name:  "backend-dir",
				Usage: "The working directory of the backend process.",
			},
			&cli.StringFlag{
				Name:  "backend-command",
				Usage: "The program used to launch the backend.",
			},
			&cli.IntFlag{
				Name:  "backend-port",
				Usage: "The port the backend listens on.",
			},
			&cli.BoolFlag{
				Name:  "unmanaged",
				Usage: "Proxy to an already running backend instead of launching one.",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "Exit if the backend never reports ready instead of serving anyway.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"), overrides(ctx))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger, err := logging.New(cfg.Logging.Level, cfg.Server.Environment)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			server, err := buildServer(cfg, logger)
			if err != nil {
				return fmt.Errorf("building proxy: %w", err)
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// overrides maps the flags that were set onto config keys.
func overrides(ctx *cli.Context) map[string]any {
	m := map[string]any{}
	if ctx.IsSet("listen-addr") {
		m["server.address"] = ctx.String("listen-addr")
	}
	if ctx.IsSet("backend-dir") {
		m["backend.working_dir"] = ctx.String("backend-dir")
	}
	if ctx.IsSet("backend-command") {
		m["backend.command"] = ctx.String("backend-command")
	}
	if ctx.IsSet("backend-port") {
		m["backend.port"] = ctx.Int("backend-port")
	}
	if ctx.Bool("unmanaged") {
		m["backend.managed"] = false
	}
	if ctx.Bool("fail-fast") {
		m["health.policy"] = config.PolicyFailFast
	}
	if ctx.IsSet("log-level") {
		m["logging.level"] = ctx.String("log-level")
	}
	return m
}

func buildServer(cfg *config.Config, logger *zap.Logger) (*proxy.Server, error) {
	policy, err := proxy.ParseStartupPolicy(cfg.Health.Policy)
	if err != nil {
		return nil, err
	}

	checker := health.NewChecker(logger.Sugar(),
		health.WithMaxAttempts(cfg.Health.MaxAttempts),
		health.WithInterval(cfg.Health.Interval),
		health.WithAttemptTimeout(cfg.Health.AttemptTimeout),
	)

	opts := []proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithListenAddr(cfg.Server.Address),
		proxy.WithHealthChecker(checker),
		proxy.WithHealthPath(cfg.Health.Path),
		proxy.WithStartupPolicy(policy),
		proxy.WithGracePeriod(cfg.Backend.GracePeriod),
		proxy.WithForwardOptions(forward.WithTimeout(cfg.Forward.Timeout)),
		proxy.WithRelayOptions(
			relay.WithDialTimeout(cfg.Relay.DialTimeout),
			relay.WithReadLimit(cfg.Relay.ReadLimit),
		),
	}
	if cfg.Backend.Managed {
		sup := supervisor.New(logger.Sugar(),
			supervisor.WithGracePeriod(cfg.Backend.GracePeriod),
			supervisor.WithOutput(cfg.OutputMode()),
		)
		opts = append(opts, proxy.WithSupervisor(sup, cfg.StartRequest()))
	}
	return proxy.NewServer(cfg.BackendURL(), opts...)
}
