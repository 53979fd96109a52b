package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spid-federator/proxy/internal/config"
	"github.com/spid-federator/proxy/internal/federator"
	"github.com/spid-federator/proxy/internal/metadata"
	"github.com/spid-federator/proxy/internal/signing"
	"github.com/spid-federator/proxy/internal/validate"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		healthURL := os.Getenv("HEALTHCHECK_URL")
		if healthURL == "" {
			healthURL = "http://localhost:3000/healthz"
		}
		client := &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
		resp, err := client.Get(healthURL)
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration from TOML file
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		slog.Error("CONFIG_FILE environment variable is required")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.LogLevel)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		slog.Warn("TLS certificate verification is disabled")
	}

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signing material, reloaded in the background so certificate rotation
	// does not need a restart
	keys, err := signing.NewHolder(cfg.Certificate.CertPath, cfg.Certificate.KeyPath)
	if err != nil {
		slog.Error("Failed to load signing certificate", "error", err)
		os.Exit(1)
	}
	keys.StartReloader(ctx, clock, time.Duration(cfg.Certificate.ReloadIntervalMins)*time.Minute)

	// Identity provider metadata cache
	cache := metadata.NewCache(metadata.Options{
		Client:       httpClient,
		Clock:        clock,
		Mapping:      cfg.Metadata.Mapping,
		KeyPrefixes:  cfg.Metadata.KeyPrefixes,
		TTL:          time.Duration(cfg.Metadata.CacheExpirationMins) * time.Minute,
		FederatorURL: cfg.Federator.MetadataURL,
		FederatorTTL: time.Duration(cfg.Metadata.FederatorCacheExpirationMins) * time.Minute,
	})
	if cfg.Metadata.RefreshIntervalMins > 0 {
		cache.StartRefresher(ctx, time.Duration(cfg.Metadata.RefreshIntervalMins)*time.Minute)
		slog.Info("Metadata refresher started", "interval_mins", cfg.Metadata.RefreshIntervalMins)
	}

	var tracker *federator.Tracker
	checker := &validate.Checker{
		Clock:                 clock,
		SPEntityID:            cfg.Federator.SPIDEntityID,
		ACSURL:                cfg.Federator.ProxyACSURL(),
		ValidLevels:           cfg.SPID.ValidLevels,
		LevelURIFormat:        cfg.SPID.LevelURIFormat,
		IssueInstantTolerance: time.Duration(cfg.SPID.AssertionIssueInstantToleranceMins) * time.Minute,
	}
	if !cfg.Checks.DisableRequestTracking {
		tracker = federator.NewTracker(clock, time.Duration(cfg.Checks.RequestTTLMins)*time.Minute)
		checker.Requests = tracker
	}

	access := federator.NewAccessLogger(cfg.AccessLog.Enabled, cfg.AccessLog.Attributes)
	requests := federator.NewRequestService(cfg, keys, tracker)
	responses := federator.NewResponseService(cfg, keys, cache, checker, access)
	handler := federator.NewHandler(cfg, requests, responses, cache)

	rootMux := http.NewServeMux()
	handler.RegisterRoutes(rootMux)
	rootMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rootMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		var err error
		if cfg.TLSSelfSigned {
			tlsCert, certErr := generateSelfSignedTLSCert()
			if certErr != nil {
				slog.Error("Failed to generate self-signed TLS certificate", "error", certErr)
				os.Exit(1)
			}
			server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{tlsCert}}
			slog.Info("Listening (TLS, self-signed)", "addr", cfg.ListenAddr)
			err = server.ListenAndServeTLS("", "")
		} else if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			slog.Info("Listening (TLS)", "addr", cfg.ListenAddr)
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			slog.Info("Listening", "addr", cfg.ListenAddr)
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	slog.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func generateSelfSignedTLSCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
