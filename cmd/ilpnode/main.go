// Command ilpnode is the composition root for a single relay node: it
// wires config, storage, pricing, the BLS, the Relay Server, the
// Connector Adapter, the Relay Monitor, and the Bootstrap Service
// together and runs them until an interrupt signal arrives. It follows a
// main-as-composition-root shape, generalized from one client
// construction path to the handful of cooperating servers and background
// workers this node runs side by side.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/klistr-network/ilp-relay/internal/config"
	"github.com/klistr-network/ilp-relay/internal/logging"
	"github.com/klistr-network/ilp-relay/internal/ratelimit"
	"github.com/klistr-network/ilp-relay/pkg/balanceproof"
	"github.com/klistr-network/ilp-relay/pkg/bls"
	"github.com/klistr-network/ilp-relay/pkg/bootstrap"
	"github.com/klistr-network/ilp-relay/pkg/channel"
	"github.com/klistr-network/ilp-relay/pkg/connector"
	"github.com/klistr-network/ilp-relay/pkg/discovery"
	"github.com/klistr-network/ilp-relay/pkg/pricing"
	"github.com/klistr-network/ilp-relay/pkg/relay"
	"github.com/klistr-network/ilp-relay/pkg/spsp"
	"github.com/klistr-network/ilp-relay/pkg/store"
)

func main() {
	yamlPath := flag.String("config", "config.yaml", "path to the node's YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file with environment overrides")
	flag.Parse()

	cfg, err := config.Load(*yamlPath, *envPath)
	if err != nil {
		panic(fmt.Sprintf("load configuration: %v", err))
	}

	logger, err := logging.Init(cfg.Debug)
	if err != nil {
		panic(fmt.Sprintf("init logging: %v", err))
	}
	defer logger.Sync()

	eventStore := store.NewMemoryStore()

	pricingSvc, err := pricing.New(pricingConfig(cfg))
	if err != nil {
		logger.Fatal("construct pricing service", zap.Error(err))
	}

	bpVerifier := balanceproof.NewVerifier()
	channelMgr := channel.NewManager(cfg.PrivateKeyECDSA())

	connectorAdapter := connector.New(cfg.Bootstrap.ConnectorURL, cfg.Timeouts.ConnectorCall)

	spspHandler := spsp.New(spspConfig(cfg), connectorAdapter, channelMgr)

	relayLimits := relay.Limits{
		MaxSubscriptionsPerConnection: cfg.Relay.MaxSubscriptionsPerConnection,
		MaxFiltersPerSubscription:     cfg.Relay.MaxFiltersPerSubscription,
		OutboundBufferSize:            cfg.Relay.OutboundBufferSize,
		QueryTimeout:                  cfg.Timeouts.Query,
	}
	relayServer := relay.New(eventStore, relayLimits, logger.Named("relay"))

	blsServer := bls.New(pricingSvc, eventStore, bpVerifier, spspHandler, logger.Named("bls"), cfg.Timeouts.Query)
	blsServer.WithNotifier(relayServer)
	if cfg.BLS.RateLimitCapacity > 0 {
		blsServer.WithRateLimiter(ratelimit.NewLimiter(cfg.BLS.RateLimitCapacity, cfg.BLS.RateLimitPerSecond))
	}

	bootstrapSvc := bootstrap.New(bootstrapConfig(cfg), connectorAdapter, channelMgr, nil, logger.Named("bootstrap"))
	bootstrapSvc.Subscribe(func(ev bootstrap.Event) {
		logger.Info("bootstrap transition",
			zap.String("phase", string(ev.Type)),
			zap.String("peer", ev.PeerPubkey),
			zap.String("reason", ev.Reason))
	})

	monitor := discovery.New(cfg.Bootstrap.RelayURLs, logger.Named("discovery"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	discoveries := make(chan discovery.PeerDiscovered, 64)
	go func() {
		if err := monitor.Run(ctx, discoveries); err != nil && ctx.Err() == nil {
			logger.Error("discovery monitor stopped", zap.Error(err))
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-discoveries:
				bootstrapSvc.IngestPeerInfo(d.Pubkey, d.Info)
			}
		}
	}()

	if len(cfg.Bootstrap.KnownPeerPubkeys) > 0 {
		bootstrapSvc.Start(ctx, cfg.Bootstrap.KnownPeerPubkeys)
	}

	blsHTTP := &http.Server{Addr: cfg.BLS.ListenAddr, Handler: blsServer.Router()}
	relayHTTP := &http.Server{Addr: cfg.Relay.ListenAddr, Handler: relayServer}

	go runServer(logger.Named("bls"), blsHTTP)
	go runServer(logger.Named("relay"), relayHTTP)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := blsHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("shut down BLS server", zap.Error(err))
	}
	if err := relayHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("shut down relay server", zap.Error(err))
	}

	logger.Info("node exited")
}

func runServer(logger *zap.Logger, srv *http.Server) {
	logger.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}

func pricingConfig(cfg *config.NodeConfig) pricing.Config {
	overrides := make(map[int]*big.Int, len(cfg.BLS.KindOverrides))
	for kind, priceStr := range cfg.BLS.KindOverrides {
		price, ok := new(big.Int).SetString(priceStr, 10)
		if !ok {
			price = big.NewInt(0)
		}
		overrides[kind] = price
	}

	var spspMin *big.Int
	if cfg.BLS.SpspMinPrice != "" {
		if v, ok := new(big.Int).SetString(cfg.BLS.SpspMinPrice, 10); ok {
			spspMin = v
		}
	}

	return pricing.Config{
		BasePricePerByte: cfg.BLS.BasePricePerByteBigInt(),
		KindOverrides:    overrides,
		OwnerPubkey:      cfg.BLS.OwnerPubkey,
		SpspMinPrice:     spspMin,
	}
}

func spspConfig(cfg *config.NodeConfig) spsp.Config {
	tokenNetworkAddresses := map[string]string{}
	if cfg.BLS.TokenNetworkAddress != "" {
		for _, chain := range cfg.Bootstrap.OwnSupportedChains {
			tokenNetworkAddresses[chain] = cfg.BLS.TokenNetworkAddress
		}
	}

	return spsp.Config{
		PrivateKeyHex:         cfg.PrivateKey,
		OwnSupportedChains:    cfg.Bootstrap.OwnSupportedChains,
		TokenNetworkAddresses: tokenNetworkAddresses,
		DestinationAccount:    cfg.Bootstrap.OwnIlpAddress,
		SettlementTimeout:     3600,
		ChannelOpenTimeout:    cfg.Timeouts.ChannelOpen,
		ChannelOpenPoll:       cfg.Timeouts.ChannelOpenPoll,
	}
}

func bootstrapConfig(cfg *config.NodeConfig) bootstrap.Config {
	return bootstrap.Config{
		OwnPubkey:          spsp.PublicKeyFromPrivate(cfg.PrivateKeyECDSA()),
		OwnPrivateKeyHex:   cfg.PrivateKey,
		OwnIlpAddress:      cfg.Bootstrap.OwnIlpAddress,
		OwnSupportedChains: cfg.Bootstrap.OwnSupportedChains,
		WorkerPoolSize:     cfg.Bootstrap.WorkerPoolSize,
		MaxRetries:         cfg.Bootstrap.MaxRetries,
		RetryBaseDelay:     cfg.Bootstrap.RetryBaseDelay,
	}
}
