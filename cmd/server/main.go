package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/gojam/pkg/logging"
	"github.com/NicolasHaas/gojam/pkg/server"
	"github.com/NicolasHaas/gojam/pkg/version"
)

func main() {
	def := server.DefaultConfig()

	configPath := flag.String("config", "", "YAML config file (flags override it)")
	httpAddr := flag.String("http", def.HTTPAddr, "HTTP bind address for the websocket, /health and /metrics")
	udpAddr := flag.String("udp", def.UDPAddr, "UDP relay bind address")
	dataDir := flag.String("data", def.DataDir, "Data directory for users, sessions and avatars")
	storage := flag.String("storage", def.Storage.Backend, "Storage backend: file or sqlite")
	whitelist := flag.String("whitelist", "", "IP whitelist file (empty keeps it in memory)")
	trustProxy := flag.Bool("trust-proxy", false, "Take client IPs from X-Forwarded-For")
	production := flag.Bool("production", false, "Refuse to start without a TURN secret")
	sfuEnabled := flag.Bool("sfu", def.SFU.Enabled, "Allow rooms to switch to server-side mixing")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated certificate")
	logLevel := flag.String("log-level", def.Logging.Level, "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", def.Logging.Format, "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "udp":
			cfg.UDPAddr = *udpAddr
		case "data":
			cfg.DataDir = *dataDir
		case "storage":
			cfg.Storage.Backend = *storage
		case "whitelist":
			cfg.WhitelistFile = *whitelist
		case "trust-proxy":
			cfg.TrustProxy = *trustProxy
		case "production":
			cfg.Production = *production
		case "sfu":
			cfg.SFU.Enabled = *sfuEnabled
		case "self-signed":
			cfg.TLS.SelfSigned = *selfSigned
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		}
	})

	if err := logging.Setup(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	slog.Info("starting gojam", "version", version.String())

	srv, err := server.New(cfg, server.Dependencies{})
	if err != nil {
		slog.Error("init server", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
