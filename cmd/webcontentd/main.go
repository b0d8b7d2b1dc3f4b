package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"webcontent/reputation-service/internal/api"
	"webcontent/reputation-service/internal/circuitbreaker"
	"webcontent/reputation-service/internal/config"
	"webcontent/reputation-service/internal/events"
	"webcontent/reputation-service/internal/httputil"
	"webcontent/reputation-service/internal/intel"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/kb/boltstore"
	"webcontent/reputation-service/internal/kb/memory"
	"webcontent/reputation-service/internal/metrics"
	"webcontent/reputation-service/internal/opencti"
	"webcontent/reputation-service/internal/rate"
	"webcontent/reputation-service/internal/token"
	"webcontent/reputation-service/internal/webcontent"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides WEBCONTENT_CONFIG env var)")
	mintFor := flag.String("mint-token", "", "print an operator token for this identity id and exit")
	mintTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of a minted token")
	flag.Parse()

	// CLI flag > env var > default
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("WEBCONTENT_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var kr *token.Keyring
	if len(cfg.Auth.Keys) > 0 {
		kr, err = token.NewKeyring(cfg.Auth.Alg, cfg.Auth.Keys, cfg.Auth.CurrentKID, cfg.Auth.Issuer, cfg.Auth.SkewSec)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create keyring")
		}
	}
	if *mintFor != "" {
		if kr == nil {
			log.Fatal().Msg("auth.keys must be configured to mint tokens")
		}
		tok, err := kr.Sign(*mintFor, *mintTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to mint token")
		}
		fmt.Println(tok)
		return
	}

	defaultCreator := cfg.DefaultCreator()
	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Str("store", cfg.Store.Backend).
		Str("default_creator", defaultCreator).
		Bool("auth_required", cfg.Auth.Required).
		Bool("taxii", cfg.TAXII.Enabled).
		Int("taxii_peers", len(cfg.TAXII.Peers)).
		Msg("configuration loaded")

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold:        cfg.Store.OpenCTI.Breaker.FailureThreshold,
		SuccessThreshold:        cfg.Store.OpenCTI.Breaker.SuccessThreshold,
		Timeout:                 time.Duration(cfg.Store.OpenCTI.Breaker.TimeoutSec) * time.Second,
		MinimumRequestThreshold: 3,
	})

	store, closeStore, err := openStore(cfg, breakers)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open store")
	}

	// Transition consumers
	var publishers events.Multi
	var natsConn *nats.Conn
	if cfg.Events.NATSURL != "" {
		pub, nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		natsConn = nc
		publishers = append(publishers, pub)
		log.Info().Str("subject", cfg.Events.Subject).Msg("publishing transitions to NATS")
	}
	var taxiiStore *intel.Store
	var taxiiServer *intel.TAXIIServer
	if cfg.TAXII.Enabled {
		taxiiStore = intel.NewStore(cfg.TAXII.MaxObjects)
		taxiiServer = intel.NewTAXIIServer(taxiiStore, cfg.TAXII.CollectionID, cfg.TAXII.Title)
		publishers = append(publishers, taxiiServer)
		log.Info().Str("collection", cfg.TAXII.CollectionID).Msg("TAXII collection enabled")
	}

	opts := []webcontent.Option{webcontent.WithLogger(log.Logger)}
	if len(publishers) > 0 {
		opts = append(opts, webcontent.WithPublisher(publishers))
	}
	svc := webcontent.NewService(store, defaultCreator, opts...)

	trustedProxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server.trusted_proxies")
	}

	h := api.NewHandler(svc)
	if kr != nil {
		h.Tokens = token.NewCachedVerifier(kr, 10_000, 5*time.Minute)
	}
	h.AuthRequired = cfg.Auth.Required
	h.Guard = rate.NewWriteGuard(cfg.Rate.WriteRPSThreshold, cfg.Rate.MaxInflightWrites)
	h.Breakers = breakers
	h.TAXII = taxiiServer
	h.Logger = log.Logger
	h.TrustedProxies = trustedProxies

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pollers []*intel.Poller
	for _, peer := range cfg.TAXII.Peers {
		client := intel.NewTAXIIClient(peer.URL, peer.Username, peer.Password)
		poller := intel.NewPoller(client, svc, intel.PeerConfig{
			Name:         peer.Name,
			CollectionID: peer.Collection,
			Interval:     time.Duration(peer.PollIntervalSec) * time.Second,
			Creator:      peer.Identity.ResolveID(),
			Self:         defaultCreator,
		}, breakers.GetOrCreate("taxii:"+peer.Name), log.Logger)
		pollers = append(pollers, poller)
		go poller.Start(ctx)
		log.Info().
			Str("peer_name", peer.Name).
			Int("poll_interval_sec", peer.PollIntervalSec).
			Msg("TAXII poller started")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("web content reputation service listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, p := range pollers {
		p.Stop()
	}
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
		srv.Close()
	}
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Warn().Err(err).Msg("nats drain failed")
		}
	}
	if taxiiStore != nil {
		taxiiStore.Close()
	}
	closeStore()

	log.Info().Msg("shutdown complete")
}

// openStore builds the configured knowledge base backend and registers the
// known identities with local backends.
func openStore(cfg *config.Config, breakers *circuitbreaker.Manager) (kb.Store, func(), error) {
	identities := map[string]string{cfg.DefaultCreator(): cfg.Identity.Name}
	for _, p := range cfg.TAXII.Peers {
		identities[p.Identity.ResolveID()] = p.Identity.Name
	}

	switch cfg.Store.Backend {
	case "bolt":
		s, err := boltstore.Open(cfg.Store.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		for id, name := range identities {
			if err := s.RegisterIdentity(id, name); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("bolt close failed")
			}
		}, nil

	case "opencti":
		c := opencti.NewClient(opencti.Config{
			URL:     cfg.Store.OpenCTI.URL,
			Token:   cfg.Store.OpenCTI.Token,
			Timeout: time.Duration(cfg.Store.OpenCTI.TimeoutMs) * time.Millisecond,
		}, breakers.GetOrCreate("opencti"))
		return c, func() {}, nil

	default:
		s := memory.New()
		for id, name := range identities {
			s.RegisterIdentity(id, name)
		}
		log.Warn().Msg("using the in-memory store; records are lost on restart")
		return s, func() {}, nil
	}
}
