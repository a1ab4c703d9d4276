// Command seed-deals loads catalog files into PostgreSQL and registers
// merchant API keys.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/windeal/internal/dealfile"
	"github.com/xenking/windeal/internal/domain/auth"
	"github.com/xenking/windeal/internal/repository"
)

const batchSize = 500

func main() {
	var (
		databaseURL  string
		dealFiles    string
		merchantKeys string
		apiKeyPepper string
	)

	_ = godotenv.Load(".env")

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&dealFiles, "deal-files", "db/seed/deals.yaml", "comma-separated catalog files (.json, .yaml, optionally .gz)")
	flag.StringVar(&merchantKeys, "merchant-keys", "", "comma-separated store=key pairs (or WIN_MERCHANT_KEYS env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or WIN_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if merchantKeys == "" {
		merchantKeys = os.Getenv("WIN_MERCHANT_KEYS")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("WIN_API_KEY_PEPPER")
	}
	if merchantKeys != "" && apiKeyPepper == "" {
		slog.Error("API key pepper is required with merchant keys: set --api-key-pepper or WIN_API_KEY_PEPPER")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, splitList(dealFiles), splitList(merchantKeys), apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(ctx context.Context, databaseURL string, files, keys []string, pepper string) error {
	slog.Info("reading catalog files", slog.Any("files", files))

	deals, err := dealfile.LoadAll(ctx, files)
	if err != nil {
		return errors.Wrap(err, "load deals")
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := repository.NewDealRepository(pool)
	for start := 0; start < len(deals); start += batchSize {
		end := min(start+batchSize, len(deals))
		if err := repo.Upsert(ctx, deals[start:end]); err != nil {
			return errors.Wrap(err, "upsert deals")
		}
		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(deals)))
	}

	if len(keys) == 0 {
		return nil
	}

	static, err := auth.NewStaticRepository([]byte(pepper), keys)
	if err != nil {
		return errors.Wrap(err, "parse merchant keys")
	}
	apikeys := repository.NewAPIKeyRepository(pool)
	for _, info := range static.Keys() {
		info.ID = ""
		if err := apikeys.Upsert(ctx, &info); err != nil {
			return errors.Wrapf(err, "upsert api key for %s", info.StoreName)
		}
		slog.Info("upserted API key", slog.String("store", info.StoreName), slog.Any("scopes", info.Scopes))
	}
	return nil
}
