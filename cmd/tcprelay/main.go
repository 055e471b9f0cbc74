package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/ledzpl/tcprelay/internal/admin"
	"github.com/ledzpl/tcprelay/internal/chat"
	"github.com/ledzpl/tcprelay/internal/config"
	"github.com/ledzpl/tcprelay/internal/logging"
	"github.com/ledzpl/tcprelay/pkg/sshserver"
	"github.com/ledzpl/tcprelay/pkg/tcpserver"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		// slog is not configured yet
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := chat.NewRegistry(
		chat.WithEcho(cfg.Echo),
		chat.WithLogger(logger),
	)

	handlerOpts := []chat.HandlerOption{
		chat.WithDefaultNickname(cfg.DefaultNickname),
		chat.WithReadBufferSize(cfg.ReadBufferSize),
		chat.WithHandlerLogger(logger),
	}
	if cfg.ColorNicknames {
		handlerOpts = append(handlerOpts, chat.WithColorPicker(chat.NewRandomColorPicker()))
	}
	handler := chat.NewHandler(registry, handlerOpts...)

	g, ctx := errgroup.WithContext(ctx)

	tcp := tcpserver.New(cfg.Addr,
		tcpserver.WithLogger(logger),
		tcpserver.WithLimits(tcpserver.NewLimits(cfg.MaxConnections, cfg.ConnRate, cfg.ConnBurst)),
	)
	g.Go(func() error {
		return ignoreCanceled(tcp.ListenAndServe(ctx, func(ctx context.Context, conn net.Conn) {
			handler.Serve(ctx, conn, conn.RemoteAddr().String())
		}))
	})

	if cfg.SSHAddr != "" {
		signer, err := sshserver.LoadOrGenerateSigner(cfg.HostKeyPath)
		if err != nil {
			return err
		}
		sshSrv := sshserver.New(cfg.SSHAddr, signer, logger)
		g.Go(func() error {
			return ignoreCanceled(sshSrv.ListenAndServe(ctx, func(ctx context.Context, channel ssh.Channel, remote string) {
				handler.Serve(ctx, channel, remote)
			}))
		})
	}

	if cfg.AdminAddr != "" {
		adminSrv := admin.New(registry, logger)
		g.Go(func() error {
			return ignoreCanceled(adminSrv.ListenAndServe(ctx, cfg.AdminAddr))
		})
	}

	logger.Info("relay started", "addr", cfg.Addr, "ssh_addr", cfg.SSHAddr, "admin_addr", cfg.AdminAddr, "echo", cfg.Echo)
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
