package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/guseggert/nativebridge/config"
	"github.com/guseggert/nativebridge/service"
	"github.com/guseggert/nativebridge/status"
	"github.com/guseggert/nativebridge/supervisor"
	"github.com/guseggert/nativebridge/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "nativebridge",
		Usage: "drive a legacy automation endpoint through disposable worker processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the config file. Defaults to the nearest " + config.FileName + " up from the working directory.",
				EnvVars: []string{"NATIVEBRIDGE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log at debug level.",
				EnvVars: []string{"NATIVEBRIDGE_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the HTTP API.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on. Overrides listen_addr from the config.",
					},
				},
				Action: serve,
			},
			{
				Name:        "invoke",
				Usage:       "Connect, call one operation, and disconnect.",
				ArgsUsage:   "OPERATION [ARG...]",
				Description: "Each ARG is passed as JSON if it parses as JSON, otherwise as a string.",
				Action:      invoke,
			},
			{
				Name:   "report",
				Usage:  "Connect, open the configured report form, and disconnect.",
				Action: report,
			},
			{
				Name:  "status",
				Usage: "Show whether the endpoint is marked as failing.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "server",
						Usage: "Ask a running server at this URL instead of reading the marker file.",
					},
					&cli.BoolFlag{
						Name:  "clear",
						Usage: "Clear the failure marker.",
					},
				},
				Action: showStatus,
			},
			{
				Name:   "worker",
				Usage:  "Run a worker. Started by the supervisor, not meant to be run by hand.",
				Hidden: true,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", EnvVars: []string{supervisor.EnvWorkerURL}, Required: true},
					&cli.StringFlag{Name: "ca-cert-pem", EnvVars: []string{supervisor.EnvWorkerCACertPEM}, Required: true},
					&cli.StringFlag{Name: "cert-pem", EnvVars: []string{supervisor.EnvWorkerCertPEM}, Required: true},
					&cli.StringFlag{Name: "key-pem", EnvVars: []string{supervisor.EnvWorkerKeyPEM}, Required: true},
				},
				Action: runWorker,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !ctx.Bool("debug") {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func markerFor(cfg *config.Config) status.Marker {
	path := cfg.MarkerPath
	if path == "" {
		path = status.DefaultPath()
	}
	return status.NewFileMarker(path)
}

func newSupervisor(cfg *config.Config, logger *zap.Logger, marker status.Marker) (*supervisor.Supervisor, error) {
	opts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithMarker(marker),
		supervisor.WithBinding(cfg.Binding()),
		supervisor.WithInitTimeout(cfg.InitTimeout),
		supervisor.WithShutdownGrace(cfg.ShutdownGrace),
	}
	if len(cfg.WorkerCommand) > 0 {
		opts = append(opts, supervisor.WithWorkerCommand(cfg.WorkerCommand...))
	}
	s, err := supervisor.New(cfg.Endpoint.ImageName, opts...)
	if err != nil {
		return nil, fmt.Errorf("building supervisor: %w", err)
	}
	return s, nil
}

func connectionRequest(cfg *config.Config) supervisor.ConnectionRequest {
	return supervisor.ConnectionRequest{
		Credentials: supervisor.Credentials{
			Principal: cfg.Endpoint.Principal,
			Secret:    cfg.Endpoint.Secret,
		},
		Resource: cfg.Endpoint.Resource,
	}
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(ctx)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	marker := markerFor(cfg)
	sup, err := newSupervisor(cfg, logger, marker)
	if err != nil {
		return err
	}
	defer sup.Close()

	listenAddr := cfg.ListenAddr
	if addr := ctx.String("listen-addr"); addr != "" {
		listenAddr = addr
	}
	srv, err := service.NewServer(
		&service.SupervisorBridge{Supervisor: sup},
		marker,
		connectionRequest(cfg),
		service.WithLogger(logger),
		service.WithListenAddr(listenAddr),
		service.WithReport(cfg.Report.SavePath, cfg.Report.ModulePath),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Stop(shutdownCtx)
		if err != nil {
			logger.Sugar().Debugf("error stopping server: %s", err)
		}
	}()
	return srv.Run()
}

// parseArg passes JSON through as is and quotes anything else as a string.
func parseArg(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// oneShot connects with the configured credentials, runs f, and disconnects.
func oneShot(ctx *cli.Context, f func(ctx context.Context, c service.Caller) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(ctx)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	sup, err := newSupervisor(cfg, logger, markerFor(cfg))
	if err != nil {
		return err
	}
	defer sup.Close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	bridge := &service.SupervisorBridge{Supervisor: sup}
	return bridge.Run(sigCtx, connectionRequest(cfg), f)
}

func invoke(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("no operation given")
	}
	op := ctx.Args().First()
	var args []any
	for _, a := range ctx.Args().Tail() {
		args = append(args, parseArg(a))
	}
	return oneShot(ctx, func(cctx context.Context, c service.Caller) error {
		res, err := c.Invoke(cctx, op, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, string(res))
		return nil
	})
}

func report(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return oneShot(ctx, func(cctx context.Context, c service.Caller) error {
		err := service.OpenReportForm(cctx, c, cfg.Report.SavePath, cfg.Report.ModulePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "report written to %s\n", cfg.Report.SavePath)
		return nil
	})
}

func showStatus(ctx *cli.Context) error {
	var st *service.StatusResponse
	if server := ctx.String("server"); server != "" {
		logger, err := newLogger(ctx)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		client := service.NewClient(logger.Sugar(), server)
		if ctx.Bool("clear") {
			err = client.ClearStatus(ctx.Context)
			if err != nil {
				return fmt.Errorf("clearing status: %w", err)
			}
		}
		st, err = client.Status(ctx.Context)
		if err != nil {
			return fmt.Errorf("getting status: %w", err)
		}
	} else {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		marker := markerFor(cfg)
		if ctx.Bool("clear") {
			err = marker.Clear()
			if err != nil {
				return fmt.Errorf("clearing marker: %w", err)
			}
		}
		d, err := marker.Get()
		if err != nil {
			return fmt.Errorf("reading marker: %w", err)
		}
		st = &service.StatusResponse{}
		if d != nil {
			st = &service.StatusResponse{Degraded: true, Reason: d.Reason, Since: &d.Since}
		}
	}

	if !st.Degraded {
		fmt.Fprintln(ctx.App.Writer, "ok")
		return nil
	}
	since := ""
	if st.Since != nil {
		since = " since " + st.Since.Local().Format(time.RFC3339)
	}
	fmt.Fprintf(ctx.App.Writer, "degraded%s: %s\n", since, st.Reason)
	return cli.Exit("", 2)
}

func runWorker(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	tlsConfig, err := supervisor.WorkerTLSConfig(ctx.String("ca-cert-pem"), ctx.String("cert-pem"), ctx.String("key-pem"))
	if err != nil {
		return fmt.Errorf("building TLS config: %w", err)
	}
	return worker.Run(ctx.Context, worker.Options{
		URL:       ctx.String("url"),
		TLSConfig: tlsConfig,
		Log:       logger.Sugar(),
	})
}
