// cmd/exporthistory writes persisted bars to CSV, one row per bar, for
// offline backup and analysis.
//
// Usage:
//
//	go run ./cmd/exporthistory --driver=sqlite --db=data/pipeline.db --out=bars.csv --since=2024-03-01T00:00:00Z
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"market-pipeline/internal/logger"
	"market-pipeline/internal/model"
	"market-pipeline/internal/store/postgres"
	sqlitestore "market-pipeline/internal/store/sqlite"
)

const pageSize = 5000

var header = []string{"symbol", "interval_start", "open", "high", "low", "close", "volume", "ticks"}

func main() {
	log := logger.Init("exporthistory", slog.LevelInfo)

	driver := flag.String("driver", envOrDefault("DURABLE_DRIVER", "sqlite"), "Durable store driver: sqlite or postgres")
	dbPath := flag.String("db", envOrDefault("SQLITE_PATH", "data/pipeline.db"), "Path to SQLite database")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres URL")
	useTLS := flag.Bool("tls", os.Getenv("DURABLE_TLS") != "false", "Require TLS for Postgres")
	out := flag.String("out", "", "Output file (default stdout)")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols (default all)")
	sinceFlag := flag.String("since", "", "RFC3339 lower bound, exclusive (default all history)")
	flag.Parse()

	var since time.Time
	if *sinceFlag != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, *sinceFlag); err != nil {
			log.Error("invalid --since", "err", err)
			os.Exit(2)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := openStore(ctx, *driver, *dbPath, *dsn, *useTLS)
	if err != nil {
		log.Error("open store failed", "driver", *driver, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Error("create output failed", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	var symbols []string
	for _, s := range strings.Split(*symbolsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}

	start := time.Now()
	n, err := export(ctx, store, w, symbols, since)
	if err != nil {
		log.Error("export failed", "rows", n, "err", err)
		os.Exit(1)
	}
	log.Info("export complete", "rows", n, "elapsed", time.Since(start).Round(time.Millisecond))
}

func openStore(ctx context.Context, driver, dbPath, dsn string, useTLS bool) (model.DurableStore, error) {
	switch driver {
	case "sqlite":
		s, err := sqlitestore.New(sqlitestore.Config{DBPath: dbPath})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{URL: dsn, TLS: useTLS})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", model.ErrConfiguration, driver)
	}
}

// export writes every bar after since for symbols (all symbols when empty)
// as CSV, paging through the store in ascending order.
func export(ctx context.Context, r model.BarReader, w io.Writer, symbols []string, since time.Time) (int, error) {
	if len(symbols) == 0 {
		var err error
		if symbols, err = r.Symbols(ctx); err != nil {
			return 0, fmt.Errorf("list symbols: %w", err)
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, err
	}

	rows := 0
	for _, sym := range symbols {
		after := since
		for {
			bars, err := r.ReadBarsAfter(ctx, sym, after, pageSize)
			if err != nil {
				return rows, fmt.Errorf("read %s: %w", sym, err)
			}
			for _, b := range bars {
				if err := cw.Write(record(b)); err != nil {
					return rows, err
				}
				rows++
			}
			if len(bars) < pageSize {
				break
			}
			after = bars[len(bars)-1].Start
		}
	}

	cw.Flush()
	return rows, cw.Error()
}

func record(b model.Bar) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		b.Symbol,
		b.Start.UTC().Format(time.RFC3339),
		f(b.Open), f(b.High), f(b.Low), f(b.Close), f(b.Volume),
		strconv.Itoa(b.Ticks),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
