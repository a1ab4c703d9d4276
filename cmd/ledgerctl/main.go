// Command ledgerctl inspects and maintains the order ledger stored in
// PostgreSQL.
//
// Usage:
//
//	ledgerctl list [-status PAID] [-store Cafe]
//	ledgerctl sweep
//	ledgerctl export [-o orders.jsonl.gz]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/klauspost/pgzip"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/xenking/windeal/internal/domain/expiry"
	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/record"
	"github.com/xenking/windeal/internal/repository"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ledgerctl [-database-url URL] list|sweep|export [flags]")
	flag.PrintDefaults()
}

func main() {
	var databaseURL string

	_ = godotenv.Load(".env")

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Usage = usage
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, flag.Arg(0), flag.Args()[1:]); err != nil {
		slog.Error("ledgerctl failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL, cmd string, args []string) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	l := ledger.New(repository.NewOrderRepository(pool))

	switch cmd {
	case "list":
		return list(ctx, l, args, os.Stdout)
	case "sweep":
		return sweep(ctx, l)
	case "export":
		return export(ctx, l, args)
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
}

func parseFilter(fs *flag.FlagSet, args []string) (order.Filter, error) {
	status := fs.String("status", "", "PENDING, PAID, REDEEMED or EXPIRED")
	store := fs.String("store", "", "store name")
	if err := fs.Parse(args); err != nil {
		return order.Filter{}, err
	}
	f := order.Filter{
		Status:    order.Status(strings.ToUpper(*status)),
		StoreName: *store,
	}
	if f.Status != "" && !f.Status.Valid() {
		return order.Filter{}, errors.Errorf("unknown status %q", *status)
	}
	return f, nil
}

func list(ctx context.Context, l *ledger.Ledger, args []string, w io.Writer) error {
	f, err := parseFilter(flag.NewFlagSet("list", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	orders, err := l.List(ctx, f)
	if err != nil {
		return errors.Wrap(err, "list orders")
	}
	return renderOrders(w, orders)
}

func renderOrders(w io.Writer, orders []order.Order) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Store", "Deal", "Price", "Status", "Order #", "Pickup", "Reserved")
	for i := range orders {
		o := &orders[i]
		if err := table.Append(
			o.ID,
			o.Deal.StoreName,
			o.Deal.Title,
			o.Deal.NewPrice.StringFixed(2),
			string(o.Status),
			o.OrderNumber,
			o.PickupCode,
			o.ReservedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return errors.Wrap(err, "append row")
		}
	}
	return table.Render()
}

func sweep(ctx context.Context, l *ledger.Ledger) error {
	lg, err := zap.NewProduction()
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	defer func() { _ = lg.Sync() }()

	s, err := expiry.New(l, lg)
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	n, err := s.SweepOnce(ctx)
	if err != nil {
		return errors.Wrap(err, "sweep")
	}
	slog.Info("sweep complete", slog.Int("expired", n))
	return nil
}

func export(ctx context.Context, l *ledger.Ledger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "-", "output file; a .gz suffix compresses, - writes stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	orders, err := l.List(ctx, order.Filter{})
	if err != nil {
		return errors.Wrap(err, "list orders")
	}

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return errors.Wrap(err, "create output")
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	var gz *pgzip.Writer
	if strings.HasSuffix(*out, ".gz") {
		gz = pgzip.NewWriter(w)
		w = gz
	}

	if err := writeRecords(w, orders); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "close gzip")
		}
	}

	slog.Info("export complete", slog.Int("orders", len(orders)), slog.String("output", *out))
	return nil
}

// writeRecords writes one JSON record per line.
func writeRecords(w io.Writer, orders []order.Order) error {
	bw := bufio.NewWriter(w)
	for i := range orders {
		if _, err := bw.Write(record.MarshalOrder(&orders[i])); err != nil {
			return errors.Wrap(err, "write record")
		}
		if err := bw.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "write record")
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush output")
	}
	return nil
}
