package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/rtcbridge/internal/banner"
	"github.com/sebas/rtcbridge/internal/bridge"
	"github.com/sebas/rtcbridge/internal/config"
	"github.com/sebas/rtcbridge/internal/logger"
	"github.com/sebas/rtcbridge/internal/sip"
	"github.com/sebas/rtcbridge/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	b, err := buildBridge(cfg)
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}

	run(b, cfg)
}

func buildBridge(cfg *config.Config) (*bridge.Bridge, error) {
	sock, err := transport.Listen(cfg.BindAddr, cfg.SIPPort)
	if err != nil {
		return nil, fmt.Errorf("bind SIP port %d: %w", cfg.SIPPort, err)
	}

	localURI, err := sip.ParseURI(fmt.Sprintf("sip:bridge@%s:%d", cfg.AdvertiseAddr, cfg.SIPPort))
	if err != nil {
		return nil, err
	}

	agent, err := sip.NewAgent(sip.AgentConfig{
		Socket:          sock,
		LocalURI:        localURI,
		UserAgent:       cfg.UserAgent,
		RegisterExpires: cfg.RegisterExpires,
	})
	if err != nil {
		return nil, err
	}

	return bridge.New(bridge.Config{
		Agent:         agent,
		BindAddr:      cfg.BindAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		RTPPortMin:    cfg.RTPPortMin,
		RTPPortMax:    cfg.RTPPortMax,
		RTCPInterval:  cfg.RTCPInterval,
	})
}

func run(b *bridge.Bridge, cfg *config.Config) {
	banner.Print("RTC Bridge", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.SIPPort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	slog.Info("Starting RTC bridge",
		"sip_port", cfg.SIPPort,
		"advertise", cfg.AdvertiseAddr,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
	)

	if err := b.Start(); err != nil {
		slog.Error("Failed to start bridge", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	if err := b.Stop(); err != nil {
		slog.Warn("Shutdown finished with errors", "error", err)
	}
}
