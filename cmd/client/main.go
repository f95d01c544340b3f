package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/iudanet/kvsync/internal/cache"
	"github.com/iudanet/kvsync/internal/cache/boltdb"
	"github.com/iudanet/kvsync/internal/config"
	"github.com/iudanet/kvsync/internal/crypto"
	"github.com/iudanet/kvsync/internal/syncer"
	"github.com/iudanet/kvsync/internal/transport"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	dbPath := flag.String("db", "kvsync.db", "Path to local database")
	userID := flag.String("user", "", "User ID")
	instanceID := flag.String("instance", "", "Instance ID (default: random)")
	apiKey := flag.String("api-key", "", "API key")
	namespace := flag.String("namespace", "default", "Storage namespace")
	mode := flag.String("mode", "auto", "Transport mode: poll, channel or auto")
	passphrase := flag.String("passphrase", "", "Encrypt local storage with this passphrase")
	compress := flag.Bool("compress", false, "Compress stored values with gzip")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	cfg.ServerURL = *serverURL
	cfg.UserID = *userID
	cfg.APIKey = *apiKey
	cfg.Storage.Path = *dbPath
	cfg.Storage.Namespace = *namespace
	cfg.Storage.EncryptionKey = *passphrase
	cfg.Storage.CompressionEnabled = *compress
	cfg.Network.Mode = *mode
	if *instanceID != "" {
		cfg.InstanceID = *instanceID
	}

	ctx := context.Background()

	engine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(ctx); err != nil {
			logger.Error("failed to close engine", "error", err)
		}
	}()

	if err := runCommand(ctx, engine, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildEngine собирает движок: кэш с цепочкой кодеков, транспорт
// выбранного режима и фасад синхронизации поверх них
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*syncer.Syncer, error) {
	var codecs []cache.Codec
	if cfg.Storage.CompressionEnabled {
		codecs = append(codecs, cache.GzipCodec())
	}
	if cfg.Storage.EncryptionKey != "" {
		key, err := crypto.StorageKey(cfg.Storage.EncryptionKey, cfg.Storage.Namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to derive storage key: %w", err)
		}
		cipherCodec, err := cache.CipherCodec(key)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, cipherCodec)
	}

	// Фоновая зачистка включается только стратегией "interval";
	// "lazy" ограничивается вытеснением истекших элементов на чтении
	var cleanupInterval time.Duration
	if cfg.Storage.CleanupStrategy == "interval" {
		cleanupInterval = cfg.Storage.CleanupInterval
	}

	store, err := boltdb.New(ctx, cfg.Storage.Path, cfg.Storage.Namespace, boltdb.Options{
		Codec:           cache.ChainCodec(codecs...),
		Logger:          logger,
		MaxSize:         cfg.Storage.MaxSize,
		MaxItemSize:     cfg.Storage.MaxItemSize,
		DefaultTTL:      cfg.Storage.TTL,
		CleanupInterval: cleanupInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tr, err := transport.New(transport.Mode(cfg.Network.Mode), transport.Config{
		Logger:            logger,
		ServerURL:         cfg.ServerURL,
		UserID:            cfg.UserID,
		InstanceID:        cfg.InstanceID,
		APIKey:            cfg.APIKey,
		Timeout:           cfg.Timeout,
		PollInterval:      cfg.Network.PollInterval,
		PromotionInterval: cfg.Network.PromotionInterval,
	})
	if err != nil {
		return nil, err
	}

	return syncer.New(cfg, store, tr, nil, logger)
}

func runCommand(ctx context.Context, engine *syncer.Syncer, args []string) error {
	switch command := args[0]; command {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: set <key> <value>")
		}
		if err := connect(ctx, engine); err != nil {
			return err
		}
		return engine.SetItem(ctx, args[1], parseValue(args[2]), nil)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		value, err := engine.GetItem(ctx, args[1])
		if err != nil {
			return err
		}
		if value == nil {
			return fmt.Errorf("key %q not found", args[1])
		}
		return printJSON(value)
	case "del":
		if len(args) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		if err := connect(ctx, engine); err != nil {
			return err
		}
		return engine.RemoveItem(ctx, args[1])
	case "keys":
		keys, err := engine.GetAllKeys(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	case "sync":
		if err := connect(ctx, engine); err != nil {
			return err
		}
		result, err := engine.Sync(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	case "status":
		return printJSON(engine.Status())
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// connect подключает транспорт; офлайн не фатален - мутации доедут
// при следующей успешной синхронизации
func connect(ctx context.Context, engine *syncer.Syncer) error {
	if err := engine.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: server unavailable, working offline: %v\n", err)
	}
	return nil
}

// parseValue принимает JSON-значение; не-JSON трактуется как строка
func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	return value
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	usage := strings.TrimSpace(`
Usage: kvsync [flags] <command> [args]

Commands:
  set <key> <value>   Store a value (JSON or plain string)
  get <key>           Print the value of a key
  del <key>           Remove a key
  keys                List all local keys
  sync                Run a full synchronization pass
  status              Print connection and queue status

Flags:
`)
	fmt.Fprintln(os.Stderr, usage)
	flag.PrintDefaults()
}

func printVersion() {
	fmt.Printf("kvsync client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
