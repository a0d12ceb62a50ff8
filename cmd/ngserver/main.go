package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/ngserver/admin"
	"github.com/guseggert/ngserver/config"
	"github.com/guseggert/ngserver/handlers"
	"github.com/guseggert/ngserver/protocol"
	"github.com/guseggert/ngserver/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ngserver",
		Usage: "a nailgun server that runs commands for remote clients",
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			statusCommand(),
		},
	}
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the nailgun server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: fmt.Sprintf("Path to the TOML config file. Defaults to the nearest %s at or above the working directory.", config.FileName),
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the nailgun server to listen on.",
			},
			&cli.StringFlag{
				Name:  "admin-addr",
				Usage: "The address for the admin HTTP server to listen on. Disabled if empty.",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "The number of requests handled concurrently.",
			},
			&cli.UintFlag{
				Name:  "max-chunk-size",
				Usage: "The largest chunk payload accepted from a client, in bytes.",
			},
			&cli.StringFlag{
				Name:  "stdin-timeout",
				Usage: "How long the log command waits for the first byte of stdin.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			level, _ := cfg.Level()
			logger, err := newLogger(level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := newServer(cfg, logger)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(sigCtx)
		},
	}
}

// newServer builds a server running the sample handlers from a validated config.
func newServer(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	stdinTimeout, err := cfg.StdinTimeoutDuration()
	if err != nil {
		return nil, err
	}

	registry := server.NewRegistry()
	if err := handlers.Register(registry, logger.Sugar(), stdinTimeout); err != nil {
		return nil, fmt.Errorf("registering handlers: %w", err)
	}

	srv, err := server.New(
		registry,
		server.WithLogger(logger),
		server.WithLogLevel(level),
		server.WithListenAddr(cfg.ListenAddr),
		server.WithAdminAddr(cfg.AdminAddr),
		server.WithWorkers(cfg.Workers),
		server.WithMaxChunkSize(cfg.MaxChunkSize),
	)
	if err != nil {
		return nil, fmt.Errorf("building server: %w", err)
	}
	return srv, nil
}

// loadConfig reads the config file and applies the flags that were set on top of it.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	path := ctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("finding config: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("admin-addr") {
		cfg.AdminAddr = ctx.String("admin-addr")
	}
	if ctx.IsSet("workers") {
		cfg.Workers = ctx.Int("workers")
	}
	if ctx.IsSet("max-chunk-size") {
		size := uint64(ctx.Uint("max-chunk-size"))
		if size > math.MaxUint32 {
			return nil, fmt.Errorf("max-chunk-size %d exceeds %d", size, uint64(math.MaxUint32))
		}
		cfg.MaxChunkSize = uint32(size)
	}
	if ctx.IsSet("stdin-timeout") {
		cfg.StdinTimeout = ctx.String("stdin-timeout")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "run a command on a nailgun server",
		ArgsUsage: "<command> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "The address of the nailgun server.",
				Value: fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort),
			},
			&cli.StringFlag{
				Name:  "ws-url",
				Usage: "Connect through the admin WebSocket endpoint at this URL (ws://host:port/nailgun) instead of --addr.",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "The working directory sent to the server. Defaults to the current one.",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "A KEY=VALUE environment variable sent to the server. Can be repeated.",
			},
			&cli.BoolFlag{
				Name:  "stdin",
				Usage: "Stream stdin to the server when the command asks for it.",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return fmt.Errorf("missing command")
			}
			logger, err := newLogger(zapcore.WarnLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			dir := ctx.String("dir")
			if dir == "" {
				dir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("getting working dir: %w", err)
				}
			}

			client := &protocol.Client{Dial: protocol.DialTCP(ctx.String("addr")), Logger: logger.Sugar()}
			if url := ctx.String("ws-url"); url != "" {
				client.Dial = protocol.DialWebSocket(url, nil)
			}
			call := protocol.Call{
				Command:    ctx.Args().First(),
				Args:       ctx.Args().Tail(),
				Env:        ctx.StringSlice("env"),
				WorkingDir: dir,
				Stdout:     ctx.App.Writer,
				Stderr:     ctx.App.ErrWriter,
			}
			if ctx.Bool("stdin") {
				call.Stdin = ctx.App.Reader
			}

			code, err := client.Run(ctx.Context, call)
			if err != nil {
				return fmt.Errorf("calling %s: %w", call.Command, err)
			}
			if code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the status of a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "admin-addr",
				Usage: "The address of the server's admin HTTP endpoint.",
				Value: "127.0.0.1:8080",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the server.",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := newLogger(zapcore.WarnLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
			defer cancel()
			status, err := admin.NewClient(logger.Sugar(), ctx.String("admin-addr")).WaitForServer(waitCtx)
			if err != nil {
				return fmt.Errorf("waiting for server: %w", err)
			}
			b, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling status: %w", err)
			}
			fmt.Fprintln(ctx.App.Writer, string(b))
			return nil
		},
	}
}
