package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/meshchain/ethaux/auxdata"
	"github.com/meshchain/ethaux/backend"
	backendsql "github.com/meshchain/ethaux/backend/sql"
	"github.com/meshchain/ethaux/chain"
	"github.com/meshchain/ethaux/internal/config"
	"github.com/meshchain/ethaux/internal/logger"
	"github.com/meshchain/ethaux/kvdb"
	"github.com/meshchain/ethaux/mapsync"
	"github.com/meshchain/ethaux/status"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

const usage = `Usage: ethaux-cli [flags] <command> [args]

Commands:
  meta get <key>            Print the raw meta-column value for a key
  meta set <key> <hex>      Write a raw meta-column value
  meta del <key>            Delete a meta-column key
  mapping <eth-hash>        Print index candidates for an Ethereum block or
                            transaction hash
  schema-cache              Dump the cached schema-version sequence
  serve                     Run the mapping sync service
  resync                    Rebuild the SQL index from the chain

Flags:
`

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		storePath   = flag.String("db", "", "Key-value store path")
		storeDSN    = flag.String("dsn", "", "SQL store data source name")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("ethaux-cli version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *storePath, *storeDSN, *logLevel, *logFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(args, cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, cfg *config.Config, log *zap.Logger) error {
	switch args[0] {
	case "meta":
		return runMeta(args[1:], cfg, log)
	case "mapping":
		return runMapping(args[1:], cfg, log)
	case "schema-cache":
		return runSchemaCache(cfg, log)
	case "serve":
		return runServe(cfg, log)
	case "resync":
		return runResync(cfg, log)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// openStore opens the key-value store per configuration.
func openStore(cfg *config.Config, readOnly bool, log *zap.Logger) (kvdb.Database, error) {
	if cfg.Store.Engine != "keyvalue" {
		return nil, fmt.Errorf("command requires the keyvalue store engine, configured engine is %q", cfg.Store.Engine)
	}
	storeCfg := kvdb.DefaultConfig(cfg.Store.Path)
	storeCfg.ReadOnly = readOnly || cfg.Store.ReadOnly
	if cfg.Store.CacheSize > 0 {
		storeCfg.Cache = int(cfg.Store.CacheSize >> 20)
	}
	return kvdb.NewPebbleDatabase(storeCfg, logger.WithComponent(log, "kvdb"))
}

func runMeta(args []string, cfg *config.Config, log *zap.Logger) error {
	if len(args) < 2 {
		return errors.New("usage: meta get|set|del <key> [hex-value]")
	}
	op, key := args[0], []byte(args[1])

	db, err := openStore(cfg, op == "get", log)
	if err != nil {
		return err
	}
	defer db.Close()

	switch op {
	case "get":
		value, err := db.Get(kvdb.ColMeta, key)
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("key %q not found", args[1])
		}
		fmt.Printf("0x%s\n", hex.EncodeToString(value))
		return nil

	case "set":
		if len(args) != 3 {
			return errors.New("usage: meta set <key> <hex-value>")
		}
		value, err := hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
		if err != nil {
			return fmt.Errorf("invalid hex value: %w", err)
		}
		tx := &kvdb.Transaction{}
		tx.Set(kvdb.ColMeta, key, value)
		return db.Commit(tx)

	case "del":
		tx := &kvdb.Transaction{}
		tx.Remove(kvdb.ColMeta, key)
		return db.Commit(tx)

	default:
		return fmt.Errorf("unknown meta operation %q", op)
	}
}

func runMapping(args []string, cfg *config.Config, log *zap.Logger) error {
	if len(args) != 1 {
		return errors.New("usage: mapping <eth-hash>")
	}
	if len(strings.TrimPrefix(args[0], "0x")) != 2*common.HashLength {
		return fmt.Errorf("invalid hash %q", args[0])
	}
	hash := common.HexToHash(args[0])

	db, err := openStore(cfg, true, log)
	if err != nil {
		return err
	}
	defer db.Close()

	blockHashes, err := aux.LoadBlockHashes(db, hash)
	if err != nil {
		return err
	}
	if blockHashes != nil {
		fmt.Printf("block hash candidates (%d):\n", len(blockHashes))
		for _, h := range blockHashes {
			fmt.Printf("  %s\n", h.Hex())
		}
	}

	metadata, err := aux.LoadTransactionMetadata(db, hash)
	if err != nil {
		return err
	}
	if metadata != nil {
		fmt.Printf("transaction metadata candidates (%d):\n", len(metadata))
		for _, m := range metadata {
			fmt.Printf("  block=%s eth_block=%s index=%d\n",
				m.SubstrateBlockHash.Hex(), m.EthereumBlockHash.Hex(), m.EthereumIndex)
		}
	}

	if blockHashes == nil && metadata == nil {
		fmt.Println("no mapping entries found")
	}
	return nil
}

func runSchemaCache(cfg *config.Config, log *zap.Logger) error {
	db, err := openStore(cfg, true, log)
	if err != nil {
		return err
	}
	defer db.Close()

	cache, err := aux.LoadSchemaCache(db)
	if err != nil {
		return err
	}

	entries := cache.Entries()
	if len(entries) == 0 {
		fmt.Println("schema cache is empty")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%-12s from block %d (%s)\n", entry.Schema, entry.Number, entry.BlockHash.Hex())
	}
	return nil
}

// runServe runs the sync task against the host chain, plus the status server
// when enabled.
func runServe(cfg *config.Config, log *zap.Logger) error {
	client, err := dialClient(cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	db, err := openStore(cfg, false, log)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := mapsync.NewMetrics(registry)

	syncer, err := mapsync.New(db, client, logger.WithComponent(log, "mapsync"), metrics)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(
			&status.Config{Host: cfg.Status.Host, Port: cfg.Status.Port},
			logger.WithComponent(log, "status"),
			status.NewStoreSource(db, client),
			registry,
		)
		go func() {
			if err := statusServer.Start(); err != nil {
				log.Error("Status server failed", zap.Error(err))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- syncer.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Sync task stopped with error", zap.Error(err))
		}
	}

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := statusServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop status server gracefully", zap.Error(err))
		}
	}

	log.Info("Service stopped")
	return nil
}

// runResync rebuilds the SQL index by walking the canonical chain.
func runResync(cfg *config.Config, log *zap.Logger) error {
	if cfg.Store.Engine != "sql" {
		return fmt.Errorf("resync requires the sql store engine, configured engine is %q", cfg.Store.Engine)
	}

	client, err := dialClient(cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	limits := backend.Limits{
		MaxBlockRange: cfg.Backend.MaxBlockRange,
		MaxLogs:       cfg.Backend.MaxLogs,
	}
	be, err := backendsql.Open(&backendsql.Config{DSN: cfg.Store.DSN}, limits, logger.WithComponent(log, "sql"))
	if err != nil {
		return err
	}
	defer be.Close()

	indexer := backendsql.NewIndexer(be, client, client, &backendsql.IndexerConfig{
		PollInterval:    cfg.Sync.PollInterval,
		BlocksPerSecond: cfg.Sync.BlocksPerSecond,
	}, logger.WithComponent(log, "sql-indexer"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	err = indexer.Run(ctx, cfg.Sync.PollInterval)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dialClient connects to the configured host node.
func dialClient(cfg *config.Config, log *zap.Logger) (*chain.RPCClient, error) {
	if cfg.Node.Endpoint == "" {
		return nil, errors.New("node endpoint is required (set node.endpoint or ETHAUX_NODE_ENDPOINT)")
	}
	return chain.Dial(cfg.Node.Endpoint, cfg.Node.Timeout, logger.WithComponent(log, "chain"))
}

// loadConfig loads configuration from file and environment variables.
// Validation happens in main after command-line flags are applied on top.
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration.
func applyFlags(cfg *config.Config, storePath, storeDSN, logLevel, logFormat string) {
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if storeDSN != "" {
		cfg.Store.DSN = storeDSN
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}
