package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/chatgate/gateway/internal/config"
	"github.com/chatgate/gateway/internal/discovery"
	"github.com/chatgate/gateway/internal/gateway"
	"github.com/chatgate/gateway/internal/notify"
	"github.com/chatgate/gateway/internal/server"
	"github.com/chatgate/gateway/internal/storage"
	gwtls "github.com/chatgate/gateway/internal/tls"
	"github.com/chatgate/gateway/internal/transport/sim"
)

// ServeConfig holds the command-line flags for serve.
type ServeConfig struct {
	Config  string
	Addr    string
	DBPath  string
	LogFile string
	TLS     bool
	MDNS    bool

	// explicit holds the names of flags set on the command line, so a
	// boolean flag can override the file in both directions.
	explicit map[string]bool
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	flags := &ServeConfig{}
	fs.StringVar(&flags.Config, "config", "", "Path to config file (default: ~/.chatgate/config.toml)")
	fs.StringVar(&flags.Addr, "addr", "", "Listen address (default: "+config.DefaultAddr+")")
	fs.StringVar(&flags.DBPath, "db", "", "Path to the SQLite database (default: ~/.chatgate/chatgate.db)")
	fs.StringVar(&flags.LogFile, "log-file", "", "Append logs to this file instead of stderr")
	fs.BoolVar(&flags.TLS, "tls", false, "Serve HTTPS/WSS (self-signed certificate unless tls_cert/tls_key exist)")
	fs.BoolVar(&flags.MDNS, "mdns", false, "Advertise the gateway on the LAN over mDNS")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	flags.explicit = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		flags.explicit[f.Name] = true
	})

	cfg, err := loadServeConfig(flags)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadServeConfig reads the config file and lets explicit flags override it.
func loadServeConfig(flags *ServeConfig) (*config.Config, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, err
	}
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.DBPath != "" {
		cfg.DBPath = flags.DBPath
	}
	if flags.LogFile != "" {
		cfg.LogFile = flags.LogFile
	}
	if flags.explicit["tls"] {
		cfg.TLS = flags.TLS
	}
	if flags.explicit["mdns"] {
		cfg.MDNS = flags.MDNS
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs the gateway until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := <-a.server.StartAsync(); err != nil {
		return err
	}

	scheme := "http"
	if a.cert != nil {
		scheme = "https"
		fmt.Fprintf(stdout, "TLS fingerprint: %s\n", a.cert.Fingerprint)
	}
	fmt.Fprintf(stdout, "chatgate %s listening on %s://%s (db: %s)\n", Version, scheme, a.server.Addr(), cfg.DBPath)

	if cfg.MDNS {
		advertiser, err := a.advertiser(cfg.MDNSName)
		if err != nil {
			// The gateway works without discovery.
			log.Printf("chatgate: mDNS disabled: %v", err)
		} else {
			defer advertiser.Stop()
		}
	}

	<-ctx.Done()
	log.Printf("chatgate: shutting down")
	return nil
}

// app is a fully wired gateway: storage, notifications, connection manager
// and the HTTP/WebSocket server.
type app struct {
	cert     *gwtls.Certificate
	store    *storage.SQLiteStore
	notifier *notify.Service
	manager  *gateway.Manager
	server   *server.Server
}

func newApp(cfg *config.Config) (*app, error) {
	var cert *gwtls.Certificate
	if cfg.TLS {
		var err error
		cert, err = gwtls.Ensure(gwtls.Options{CertPath: cfg.TLSCert, KeyPath: cfg.TLSKey})
		if err != nil {
			return nil, err
		}
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	srv := server.NewServer(cfg.Addr)
	if cert != nil {
		srv.SetTLSConfig(cert.TLSConfig())
	}

	notifier := notify.NewService(store)
	notifier.SetBroadcaster(srv.BroadcastNotification)

	manager := gateway.NewManager(gateway.Config{
		Transport: sim.New(sim.Config{
			ReadyDelay: cfg.SimReadyDelay(),
			OpenDelay:  cfg.SimOpenDelay(),
		}),
		Sessions:     store,
		Users:        store,
		Notifier:     notifier,
		OnUpdate:     srv.BroadcastSessionUpdate,
		SettleDelay:  cfg.SettleDelay(),
		RetryDelay:   cfg.PairingRetryDelay(),
		ReadyRetries: cfg.PairingReadyRetries,
		ErrorRetries: cfg.PairingErrorRetries,

		ReconnectDelay:   cfg.ReconnectDelay(),
		ReconnectRetries: cfg.ReconnectRetries,
	})

	srv.SetAPIHandler(server.NewAPIHandler(server.APIConfig{
		Sessions:         store,
		Manager:          manager,
		Notifications:    notifier,
		OnSessionDeleted: srv.BroadcastSessionDeleted,
		ConnectPerMinute: cfg.ConnectRatePerMinute,
		LoopbackOnly:     cfg.LoopbackOnly != nil && *cfg.LoopbackOnly,
	}))

	return &app{
		cert:     cert,
		store:    store,
		notifier: notifier,
		manager:  manager,
		server:   srv,
	}, nil
}

// advertiser starts mDNS advertisement of the running server.
func (a *app) advertiser(name string) (*discovery.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(a.server.Addr())
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port: %w", err)
	}

	info := discovery.Info{Name: name, Port: port}
	if a.cert != nil {
		info.TLS = true
		info.Fingerprint = a.cert.Fingerprint
	}
	adv := discovery.NewAdvertiser(info)
	if err := adv.Start(); err != nil {
		return nil, err
	}
	return adv, nil
}

// close stops the manager first so no update reaches a stopped server or a
// closed database.
func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		log.Printf("chatgate: manager close: %v", err)
	}
	if err := a.server.Stop(); err != nil {
		log.Printf("chatgate: server stop: %v", err)
	}
	if err := a.store.Close(); err != nil {
		log.Printf("chatgate: storage close: %v", err)
	}
}

// openStore opens the database, creating its directory if needed.
func openStore(path string) (*storage.SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	path := fs.String("config", "", "Path to write (default: ~/.chatgate/config.toml)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatgate init [options]\n\nWrite a default config file. Existing files are left alone.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *path
	if target == "" {
		var err error
		target, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := config.WriteDefault(target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config: %s\n", target)
	return 0
}
