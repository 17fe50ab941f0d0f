// Command devlink links two devices and exposes their channels in an
// interactive shell.
//
// Usage:
//
//	devlink [flags]
//
// Flags:
//
//	-config string         Configuration file path
//	-listen string         Accept one LAN peer on this address (default ":1716")
//	-connect string        Dial a LAN peer at host:port
//	-bluetooth string      Dial a Bluetooth peer at AA:BB:CC:DD:EE:FF
//	-bluetooth-listen      Accept one Bluetooth peer
//	-trust string          Peer trust policy: all, first-use, pinned (default "first-use")
//	-log-level string      Log level: debug, info, warn, error
//	-protocol-log string   Write a protocol trace (.plog) to this file
//
// Examples:
//
//	# Wait for a peer on the default port
//	devlink
//
//	# Connect to a peer and record the session
//	devlink -connect 192.168.1.20:1716 -protocol-log session.plog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/devlink-protocol/devlink-go/cmd/devlink/interactive"
	"github.com/devlink-protocol/devlink-go/pkg/cert"
	"github.com/devlink-protocol/devlink-go/pkg/config"
	"github.com/devlink-protocol/devlink-go/pkg/log"
	"github.com/devlink-protocol/devlink-go/pkg/mux"
	"github.com/devlink-protocol/devlink-go/pkg/packet"
	"github.com/devlink-protocol/devlink-go/pkg/persistence"
	"github.com/devlink-protocol/devlink-go/pkg/transport/bluetooth"
	"github.com/devlink-protocol/devlink-go/pkg/transport/lan"
)

// Options holds the command-line flags.
type Options struct {
	ConfigFile      string
	Listen          string
	Connect         string
	Bluetooth       string
	BluetoothListen bool
	Trust           string
	LogLevel        string
	ProtocolLog     string
}

var opts Options

func init() {
	flag.StringVar(&opts.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&opts.Listen, "listen", "", "Accept one LAN peer on this address")
	flag.StringVar(&opts.Connect, "connect", "", "Dial a LAN peer at host:port")
	flag.StringVar(&opts.Bluetooth, "bluetooth", "", "Dial a Bluetooth peer at AA:BB:CC:DD:EE:FF")
	flag.BoolVar(&opts.BluetoothListen, "bluetooth-listen", false, "Accept one Bluetooth peer")
	flag.StringVar(&opts.Trust, "trust", "first-use", "Peer trust policy: all, first-use, pinned")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.ProtocolLog, "protocol-log", "", "Write a protocol trace (.plog) to this file")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	muxCfg, err := cfg.MuxConfig()
	if err != nil {
		return err
	}
	muxCfg.Logger = logger

	if cfg.Log.ProtocolLog != "" {
		fileLogger, err := log.NewFileLogger(cfg.Log.ProtocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer fileLogger.Close()
		muxCfg.ProtocolLogger = fileLogger
		if level <= slog.LevelDebug {
			muxCfg.ProtocolLogger = log.NewMultiLogger(fileLogger, log.NewSlogAdapter(logger))
		}
		logger.Info("recording protocol trace", "path", cfg.Log.ProtocolLog)
	}

	identity := packet.Identity{
		DeviceID:             cfg.Device.ID,
		DeviceName:           cfg.Device.Name,
		DeviceType:           cfg.Device.Type,
		IncomingCapabilities: []string{"kdeconnect.ping"},
		OutgoingCapabilities: []string{"kdeconnect.ping"},
	}

	var sess interactive.Session
	switch {
	case opts.Bluetooth != "" || opts.BluetoothListen:
		sess, err = linkBluetooth(ctx, cfg, muxCfg, identity)
	default:
		sess, err = linkLAN(ctx, cfg, muxCfg, identity, logger)
	}
	if err != nil {
		return err
	}
	defer sess.Channel.Close()

	sess.Devices = persistence.NewRegistryStore(cfg.DevicesPath())
	if err := recordPeer(sess); err != nil {
		logger.Warn("failed to record device", "error", err)
	}

	if sess.VerificationKey != "" {
		fmt.Printf("Verification key: %s\n", sess.VerificationKey)
		fmt.Println("Compare this key with the one shown on the other device.")
	}

	return interactive.New(sess, os.Stdout).Run(ctx, cancel)
}

// loadConfig merges the configuration file with command-line overrides.
func loadConfig() (*config.Config, error) {
	path := opts.ConfigFile
	if path == "" {
		path = filepath.Join(config.Default().DataDir, config.DefaultConfigFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.ProtocolLog != "" {
		cfg.Log.ProtocolLog = opts.ProtocolLog
	}

	// The certificate is the authority on the device ID once it exists.
	if cfg.Device.ID == "" {
		if c, err := cert.ReadCertFile(cfg.CertPath()); err == nil {
			if id, err := cert.ExtractDeviceID(c); err == nil {
				cfg.Device.ID = id
			}
		}
	}
	cfg.EnsureDeviceID()

	return cfg, cfg.Validate()
}

func trustPolicy(store cert.Store) (lan.TrustVerifier, error) {
	switch opts.Trust {
	case "all":
		return lan.TrustAll, nil
	case "first-use":
		return lan.FirstUse(store), nil
	case "pinned":
		return lan.Pinned(store), nil
	default:
		return nil, fmt.Errorf("unknown trust policy %q", opts.Trust)
	}
}

func linkLAN(ctx context.Context, cfg *config.Config, muxCfg mux.Config, identity packet.Identity, logger *slog.Logger) (interactive.Session, error) {
	local, err := cert.LoadOrGenerate(cfg.KeyPath(), cfg.CertPath(), cfg.Device.ID)
	if err != nil {
		return interactive.Session{}, fmt.Errorf("load certificate: %w", err)
	}
	if id, _ := local.DeviceID(); id != cfg.Device.ID {
		return interactive.Session{}, fmt.Errorf("certificate %s belongs to %q, not %q", cfg.CertPath(), id, cfg.Device.ID)
	}
	logger.Info("local certificate", "device_id", cfg.Device.ID, "fingerprint", local.Fingerprint())

	store := cert.NewFileStore(cfg.PeersDir())
	trust, err := trustPolicy(store)
	if err != nil {
		return interactive.Session{}, err
	}

	lanCfg := lan.Config{
		Certificate: local,
		Identity:    identity,
		Trust:       trust,
		Store:       store,
		Mux:         muxCfg,
		Logger:      logger,
	}

	var link *lan.Link
	if opts.Connect != "" {
		link, err = lan.Dial(ctx, opts.Connect, lanCfg)
	} else {
		addr := opts.Listen
		if addr == "" {
			addr = fmt.Sprintf("%s:%d", cfg.LAN.ListenAddress, cfg.LAN.Port)
		}
		link, err = acceptLAN(ctx, addr, lanCfg, logger)
	}
	if err != nil {
		return interactive.Session{}, err
	}

	return interactive.Session{
		Channel:         link.Channel(),
		VerificationKey: link.VerificationKey(),
		Fingerprint:     link.PeerCertificate().Fingerprint(),
		Transport:       "lan " + link.RemoteAddr().String(),
	}, nil
}

// acceptLAN waits for the first peer that completes the handshake.
func acceptLAN(ctx context.Context, addr string, cfg lan.Config, logger *slog.Logger) (*lan.Link, error) {
	ln, err := lan.Listen(addr, cfg)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	logger.Info("waiting for peer", "address", ln.Addr().String())

	for {
		link, err := ln.Accept(ctx)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, lan.ErrUntrusted) || errors.Is(err, lan.ErrIdentityMismatch) {
			logger.Warn("rejected peer", "error", err)
			continue
		}
		logger.Warn("handshake failed", "error", err)
	}
}

func linkBluetooth(ctx context.Context, cfg *config.Config, muxCfg mux.Config, identity packet.Identity) (interactive.Session, error) {
	var conn *bluetooth.Conn
	if opts.Bluetooth != "" {
		addr, err := bluetooth.ParseAddr(opts.Bluetooth)
		if err != nil {
			return interactive.Session{}, err
		}
		if conn, err = bluetooth.Dial(ctx, addr, cfg.Bluetooth.Channel); err != nil {
			return interactive.Session{}, err
		}
	} else {
		ln, err := bluetooth.Listen(cfg.Bluetooth.Channel)
		if err != nil {
			return interactive.Session{}, err
		}
		defer ln.Close()
		slog.Info("waiting for bluetooth peer", "channel", ln.Channel())
		if conn, err = ln.Accept(ctx); err != nil {
			return interactive.Session{}, err
		}
	}

	remote := conn.RemoteAddr().String()
	ch, err := bluetooth.Establish(ctx, conn, remote, muxCfg, identity)
	if err != nil {
		return interactive.Session{}, err
	}
	return interactive.Session{
		Channel:   ch,
		Transport: "bluetooth " + remote,
	}, nil
}

// recordPeer adds the linked device to the known-devices registry.
func recordPeer(sess interactive.Session) error {
	peer, err := packet.ParseIdentity(sess.Channel.PeerIdentity())
	if err != nil {
		return err
	}
	transport, addr, _ := strings.Cut(sess.Transport, " ")
	return sess.Devices.Touch(persistence.DeviceRecord{
		DeviceID:    peer.DeviceID,
		DeviceName:  peer.DeviceName,
		DeviceType:  peer.DeviceType,
		Fingerprint: sess.Fingerprint,
		Transport:   transport,
		LastAddress: addr,
	})
}
