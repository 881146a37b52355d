package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the bridge process configuration
type Config struct {
	// SIP settings
	SIPPort       int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	UserAgent     string
	LogLevel      string

	// RTP settings
	RTPPortMin int
	RTPPortMax int

	// RTCPInterval is the nominal report interval; actual send times
	// are jittered by +/-50% to avoid synchronized report bursts.
	RTCPInterval time.Duration

	// RegisterExpires is the default registration lifetime requested
	// from a registrar.
	RegisterExpires time.Duration
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		RTCPInterval:    5 * time.Second,
		RegisterExpires: 3600 * time.Second,
	}

	flag.IntVar(&cfg.SIPPort, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.UserAgent, "useragent", "rtcbridge/1.0", "User-Agent header value")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Lowest RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Highest RTP port")

	flag.Parse()

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if min := os.Getenv("RTP_PORT_MIN"); min != "" {
		if p, err := strconv.Atoi(min); err == nil {
			cfg.RTPPortMin = p
		}
	}
	if max := os.Getenv("RTP_PORT_MAX"); max != "" {
		if p, err := strconv.Atoi(max); err == nil {
			cfg.RTPPortMax = p
		}
	}
	if interval := os.Getenv("RTCP_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.RTCPInterval = d
		}
	}

	return cfg
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
