package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/strongfatTo/RemicoPay/internal/config"
	"github.com/strongfatTo/RemicoPay/internal/events"
	"github.com/strongfatTo/RemicoPay/internal/idempotency"
	"github.com/strongfatTo/RemicoPay/internal/remit"
	"github.com/strongfatTo/RemicoPay/internal/schedule"
	"github.com/strongfatTo/RemicoPay/internal/server"
	"github.com/strongfatTo/RemicoPay/internal/token"
	"github.com/strongfatTo/RemicoPay/internal/vault"
	"github.com/strongfatTo/RemicoPay/internal/verifier"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()

	hkdr := token.NewLedger(cfg.Seed.Tokens.Source.Symbol)
	phpc := token.NewLedger(cfg.Seed.Tokens.Target.Symbol)

	owner := accountOr(cfg.Deployment.Owner, "owner")
	oracle := accountOr(cfg.Deployment.Oracle, "oracle")
	treasury := accountOr(cfg.Deployment.Treasury, "treasury")
	remitAddr := token.AddressFor("remit-engine")
	schedAddr := token.AddressFor("schedule-engine")
	vaultAddr := token.AddressFor("yield-vault")

	phpc.AddMinter(remitAddr)
	phpc.AddMinter(schedAddr)

	vlt := vault.New(hkdr, vaultAddr)
	ver := verifier.New(oracle)

	memorySink := events.NewMemorySink()
	sink := events.Multi{events.SlogSink{Log: logger}, memorySink}

	var (
		remitStore remit.Store
		schedStore schedule.Store
		idemStore  idempotency.Store
	)
	if dsn := cfg.Service.PostgresDSN; dsn != "" {
		rs, err := remit.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("remittance store error: %v", err)
		}
		defer rs.Close()
		ss, err := schedule.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("schedule store error: %v", err)
		}
		defer ss.Close()
		is, err := idempotency.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		defer is.Close()
		remitStore, schedStore, idemStore = rs, ss, is
	} else {
		remitStore = remit.NewMemoryStore()
		schedStore = schedule.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore()
	}

	remitEngine, err := remit.New(remit.Config{
		HKDR:         hkdr,
		PHPC:         phpc,
		Verifier:     ver,
		Store:        remitStore,
		Events:       sink,
		Log:          logger,
		Address:      remitAddr,
		Owner:        owner,
		ExchangeRate: cfg.Seed.Pricing.ExchangeRate,
		FeeBps:       cfg.Seed.Pricing.FeeBps,
	})
	if err != nil {
		log.Fatalf("remittance engine error: %v", err)
	}

	schedEngine, err := schedule.New(schedule.Config{
		HKDR:         hkdr,
		PHPC:         phpc,
		Vault:        vlt,
		Store:        schedStore,
		Events:       sink,
		Log:          logger,
		Address:      schedAddr,
		Owner:        owner,
		Treasury:     treasury,
		ExchangeRate: cfg.Seed.Pricing.ExchangeRate,
		FeeBps:       cfg.Seed.Pricing.FeeBps,
		AutoRearm:    cfg.Seed.Schedule.AutoRearm,
	})
	if err != nil {
		log.Fatalf("schedule engine error: %v", err)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		HKDR:     hkdr,
		PHPC:     phpc,
		Vault:    vlt,
		Verifier: ver,
		Remit:    remitEngine,
		Schedule: schedEngine,
		Events:   memorySink,
		Store:    idemStore,
		Owner:    owner,
		Oracle:   oracle,
		Log:      logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Info("server stopped", slog.String("error", err.Error()))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// accountOr resolves a configured hex address, deriving a deterministic
// account from name when the deployment file leaves it unset.
func accountOr(hex, name string) common.Address {
	if common.IsHexAddress(hex) {
		return common.HexToAddress(hex)
	}
	return token.AddressFor(name)
}
