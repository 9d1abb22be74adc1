package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/term"

	"dealbroker/internal/adapter/catalog"
	marketadapter "dealbroker/internal/adapter/market"
	"dealbroker/internal/adapter/negstore"
	"dealbroker/internal/adapter/reasoning"
	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
	"dealbroker/internal/infra/logger"
	"dealbroker/internal/infra/tracer"
	"dealbroker/internal/usecase/eventbus"
	"dealbroker/internal/usecase/market"
	"dealbroker/internal/usecase/negotiation"
	"dealbroker/internal/usecase/pipeline"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "seed":
			if err := runSeed(); err != nil {
				fmt.Fprintf(os.Stderr, "seed: %v\n", err)
				os.Exit(1)
			}
			return
		case "encrypt-secret":
			if err := runEncryptSecret(); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'dealbroker --help' for usage.\n", os.Args[1])
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`dealbroker - negotiation orchestration engine

USAGE:
    dealbroker [COMMAND] [FLAGS]

COMMANDS:
    seed            Populate the catalog with sample vehicles and clients
    encrypt-secret  Encrypt a secret for use in config files (enc: prefix)

    (no command) - Run the engine with the existing config

FLAGS:
    -h, --help     Show this help message
    --config PATH  Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: DEALBROKER_* variables override config
    Secrets:     set DEALBROKER_CONFIG_KEY to decrypt enc: values`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("DEALBROKER_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Stores
	store, err := negstore.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	cat, err := catalog.NewSQLiteCatalog(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer cat.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Market snapshot cache
	var aggregator domain.MarketAggregator
	if cfg.Market.BaseURL != "" {
		aggregator = marketadapter.NewHTTPAggregator(cfg.Market, log)
	} else {
		log.Warn("no market base_url configured, using synthetic aggregator")
		aggregator = marketadapter.SyntheticAggregator{}
	}
	cache := market.NewSnapshotCache(aggregator, cfg.Market, bus, log)

	// 6. Reasoning backends & agent pipeline
	backend, err := reasoning.BuildStack(cfg.Reasoning, log)
	if err != nil {
		return fmt.Errorf("reasoning: %w", err)
	}
	agents, err := pipeline.New(backend, cfg.Reasoning, log)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// 7. Orchestrator. The engine ships without a transport; embedders attach
	// their API layer here (see the transport seam note in DESIGN.md).
	orch := negotiation.NewOrchestrator(store, cat, cache, agents, cfg.Engine, bus, log)
	_ = orch

	// 8. Audit trail: every lifecycle event the engine emits is logged.
	unsubscribe := bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Info("event", "type", ev.Type, "payload", string(ev.Payload))
	})
	defer unsubscribe()

	// 9. Periodic snapshot sweep
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Market.SweepSchedule, func() {
		if evicted := cache.Sweep(); evicted > 0 {
			log.Debug("snapshot sweep", "evicted", evicted)
		}
	}); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", cfg.Market.SweepSchedule, err)
	}
	sched.Start()
	defer sched.Stop()

	// 10. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("dealbroker started",
		"backend", backend.Name(),
		"store", cfg.Store.Path,
		"max_rounds", cfg.Engine.MaxRounds,
		"sweep", cfg.Market.SweepSchedule,
	)

	<-ctx.Done()
	log.Info("dealbroker shutting down")
	return nil
}

// runSeed loads a small demo inventory into the catalog.
func runSeed() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cat, err := catalog.NewSQLiteCatalog(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	defer cat.Close()

	if err := cat.Seed(context.Background(), seedVehicles(), seedClients()); err != nil {
		return err
	}

	fmt.Printf("seeded %d vehicles and %d clients into %s\n",
		len(seedVehicles()), len(seedClients()), cfg.Catalog.Path)
	return nil
}

// runEncryptSecret reads a secret from the terminal and prints the enc:
// wrapped form for config files.
func runEncryptSecret() error {
	passphrase := os.Getenv("DEALBROKER_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("DEALBROKER_CONFIG_KEY must be set")
	}

	fmt.Fprint(os.Stderr, "Secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	if len(secret) == 0 {
		return fmt.Errorf("empty secret")
	}

	encrypted, err := config.EncryptValue(string(secret), passphrase)
	if err != nil {
		return err
	}
	fmt.Println(encrypted)
	return nil
}

func seedVehicles() []domain.Vehicle {
	return []domain.Vehicle{
		{
			VIN: "VF1RFB00766123456", Registration: "GE-412-KG",
			Make: "Renault", Model: "Clio", Year: 2021, Version: "Intens TCe 90",
			Mileage: 28000, Fuel: domain.FuelGasoline, Transmission: domain.TransmissionManual,
			PowerHP: 90, Condition: domain.ConditionGood, MarketValue: 14200, InStock: true,
		},
		{
			VIN: "JTDKB20U887654321", Registration: "HK-038-PM",
			Make: "Toyota", Model: "Corolla", Year: 2022, Version: "Hybride 122h Design",
			Mileage: 19000, Fuel: domain.FuelHybrid, Transmission: domain.TransmissionAutomatic,
			PowerHP: 122, Condition: domain.ConditionExcellent, MarketValue: 23600, InStock: true,
		},
		{
			VIN: "WVWZZZAUZLW112233", Registration: "FC-771-TD",
			Make: "Volkswagen", Model: "Golf", Year: 2020, Version: "2.0 TDI Style",
			Mileage: 61000, Fuel: domain.FuelDiesel, Transmission: domain.TransmissionAutomatic,
			PowerHP: 150, Condition: domain.ConditionGood, MarketValue: 19800, InStock: true,
		},
		{
			VIN: "5YJ3E1EA8LF445566", Registration: "GB-550-QN",
			Make: "Tesla", Model: "Model 3", Year: 2021, Version: "Standard Range Plus",
			Mileage: 42000, Fuel: domain.FuelElectric, Transmission: domain.TransmissionAutomatic,
			PowerHP: 283, Condition: domain.ConditionGood, MarketValue: 28900, InStock: true,
		},
		{
			VIN: "VF3LCYHZPJS998877", Registration: "ET-204-VA",
			Make: "Peugeot", Model: "308", Year: 2018, Version: "1.2 PureTech Allure",
			Mileage: 88000, Fuel: domain.FuelGasoline, Transmission: domain.TransmissionManual,
			PowerHP: 110, Condition: domain.ConditionAverage, MarketValue: 11400,
			TradeInEstimate: 9600, InStock: false,
		},
	}
}

func seedClients() []domain.Client {
	return []domain.Client{
		{
			ID: "cl-laurent", FirstName: "Marie", LastName: "Laurent",
			BudgetMin: 18000, BudgetMax: 26000,
			PreferredFuel: domain.FuelHybrid, PreferredTransmission: domain.TransmissionAutomatic,
			Preference: domain.PreferPurchase, LoyaltyScore: 0.8, RiskScore: 0.2,
		},
		{
			ID: "cl-dubois", FirstName: "Thomas", LastName: "Dubois",
			BudgetMin: 25000, BudgetMax: 40000,
			PreferredFuel: domain.FuelElectric,
			Preference:    domain.PreferFlexible, LoyaltyScore: 0.3, RiskScore: 0.5,
		},
		{
			ID: "cl-moreau", FirstName: "Sophie", LastName: "Moreau",
			BudgetMin: 10000, BudgetMax: 16000,
			Preference: domain.PreferLease, LoyaltyScore: 0.5, RiskScore: 0.4,
		},
	}
}
