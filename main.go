package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/exchange"
	"orderflow/logger"
	"orderflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbols := flag.String("symbols", "BTC/USD", "Comma-separated symbols to watch")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Orderflow.Name,
		"version": cfg.Orderflow.Version,
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	client := exchange.New(cfg, exchange.EnvTokenProvider(cfg.Exchange.TokenEnv))

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.WithError(err).Error("failed to connect to exchange")
		os.Exit(1)
	}

	watched := splitSymbols(*symbols)
	if len(watched) > 0 {
		_, err = client.Subscribe(ctx, exchange.ChannelTicker, exchange.SubscribeOptions{Symbols: watched}, nil)
		if err != nil {
			log.WithError(err).Warn("ticker subscription failed")
		}
		_, err = client.Subscribe(ctx, exchange.ChannelTrade, exchange.SubscribeOptions{Symbols: watched}, nil)
		if err != nil {
			log.WithError(err).Warn("trade subscription failed")
		}
	}

	if cfg.Deadman.Enabled {
		timeout := time.Duration(cfg.Deadman.TimeoutSeconds) * time.Second
		if _, err := client.SetCancelAllOrdersAfter(ctx, timeout); err != nil {
			log.WithError(err).Warn("failed to arm dead man's switch")
		}
	}

	statusCh, cancelStatus := client.Streams.Status.Subscribe()
	defer cancelStatus()
	tickerCh, cancelTicker := client.Streams.Ticker.Subscribe()
	defer cancelTicker()
	execCh, cancelExec := client.Streams.Execution.Subscribe()
	defer cancelExec()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-statusCh:
				log.WithComponent("main").WithFields(logger.Fields{
					"state":  u.State,
					"system": u.System,
					"error":  u.Error,
				}).Info("connection status")
			case t := <-tickerCh:
				log.WithComponent("main").WithFields(logger.Fields{
					"symbol": t.Symbol,
					"bid":    t.Bid,
					"ask":    t.Ask,
					"last":   t.Last,
				}).Debug("ticker")
			case e := <-execCh:
				logExecution(log, e)
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Clear the server-side countdown before closing so shutdown does not
	// trigger a mass cancel.
	if cfg.Deadman.Enabled {
		if _, err := client.SetCancelAllOrdersAfter(shutdownCtx, 0); err != nil {
			log.WithError(err).Warn("failed to clear dead man's switch")
		}
	}
	if err := client.Disconnect(shutdownCtx); err != nil {
		log.WithError(err).Warn("disconnect failed")
	}
	client.Close()

	log.Info("orderflow stopped")
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logExecution(log *logger.Log, e models.ExecutionUpdate) {
	entry := log.WithComponent("main").WithFields(logger.Fields{
		"order_id":     e.OrderID,
		"exec_type":    e.ExecType,
		"order_status": e.OrderStatus,
	})
	if e.Reason != "" {
		entry = entry.WithFields(logger.Fields{"reason": e.Reason})
	}
	entry.Info("execution update")
}
