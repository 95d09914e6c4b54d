package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ini "gopkg.in/ini.v1"
)

func main() {
	cfg, err := ini.Load("settings.ini")
	if err != nil {
		os.Stderr.WriteString("can't load settings: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := initLogging(cfg); err != nil {
		os.Stderr.WriteString("can't init logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer closeLogging()

	settings, err := LoadSettings(cfg)
	if err != nil {
		coreLog.WithError(err).Fatal("invalid settings")
	}

	metrics := newMetrics(prometheus.DefaultRegisterer)
	metricsSrv := serveMetrics(settings.MetricsListenAddress())

	store := newMemoryConversationStore()
	speech := newWSSpeechClient(settings)
	carrier := newWSCarrierBridge(settings, speech)

	gw := newGateway(settings, store, speech, carrier, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		coreLog.WithError(err).Error("gateway stopped")
	}

	coreLog.Info("performing a graceful shutdown...")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(sctx)
}
