package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// fatal logs the error, flushes the logger and exits. Only for startup
// failures; a running pool degrades instead of dying.
func fatal(msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err)
	logger.Error(msg, attrs...)
	logger.Stop()
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default data/config.toml)")
	port := flag.Int("port", 0, "override the stratum listen port")
	stdout := flag.Bool("stdout", false, "mirror log output to stdout")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := loadConfig(*configPath)
	if *port > 0 {
		cfg.StratumPort = *port
	}
	if *debug {
		cfg.LogDebug = true
	}

	debugLogging = cfg.LogDebug
	if debugLogging {
		logger.setLevel(logLevelDebug)
	}

	logDir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fatal("create log directory", err, "path", logDir)
	}
	var debugWriter io.Writer = io.Discard
	if debugLogging {
		debugWriter = newAppendFileWriter(filepath.Join(logDir, "debug.log"))
	}
	logger.configureWriters(newAppendFileWriter(filepath.Join(logDir, "pool.log")), debugWriter, *stdout)

	if err := validateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}
	setSha256Implementation(cfg.UseSimdSha256)

	store, err := OpenStore(filepath.Join(cfg.DataDir, "pool.db"))
	if err != nil {
		fatal("open database", err)
	}

	notifier, err := NewDiscordNotifier(cfg)
	if err != nil {
		logger.Warn("discord notifications disabled", "error", err)
		notifier = nil
	}

	metrics := NewPoolMetrics()
	daemon := NewDaemonClient(cfg, metrics)
	templates := NewTemplateManager(cfg, daemon, metrics)
	registry := NewMinerRegistry()
	jobs := NewJobManager(cfg, templates, registry, metrics)
	templates.OnNewTemplate(jobs.OnTemplateChanged)

	vardiff := NewDifficultyController(cfg, metrics)
	hashrate := NewHashrateEstimator(cfg)
	rewards := NewRewardSplitter(cfg, store, templates, announcerFor(notifier))
	coordinator := NewBlockCoordinator(cfg, daemon, store, templates, jobs, rewards, metrics, announcerFor(notifier))
	validator := NewShareValidator(cfg, jobs, vardiff, hashrate, store, metrics, coordinator)
	server := NewStratumServer(cfg, registry, jobs, vardiff, hashrate, store, metrics, validator)
	stats := NewStatsLogger(cfg, registry, hashrate, store, daemon, metrics)

	if err := server.Listen(); err != nil {
		fatal("stratum bind", err, "port", cfg.StratumPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go templates.Run(ctx)
	go jobs.Run(ctx)
	go rewards.RunConfirmations(ctx)
	go stats.Run(ctx)

	logger.Info("pool started", "software", poolSoftwareName,
		"port", cfg.StratumPort, "algo", cfg.Algorithm,
		"daemon", cfg.DaemonURL, "fee_percent", cfg.PoolFeePercent)

	server.Run(ctx)

	coordinator.Wait()
	notifier.Close()
	store.Close()
	logger.Info("pool stopped")
	logger.Stop()
}

// announcerFor avoids handing a typed nil to an interface field.
func announcerFor(dn *DiscordNotifier) blockAnnouncer {
	if dn == nil {
		return nil
	}
	return dn
}
