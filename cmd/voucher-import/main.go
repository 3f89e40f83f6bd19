// Command voucher-import loads voucher definitions from gzip-compressed JSON
// lines files. Codes that occur more than once across the input are reported
// and skipped; every other definition is validated against the catalog and
// created through the voucher service.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/handler"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
)

const (
	progressEvery = 10_000
	maxLineBytes  = 1 << 20
)

type options struct {
	databaseURL string
	capacity    uint
	fpr         float64
	workers     int
	dryRun      bool
}

// stats counts import outcomes across workers.
type stats struct {
	created    atomic.Int64
	existing   atomic.Int64
	duplicates atomic.Int64
	invalid    atomic.Int64
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.capacity, "capacity", 1_000_000, "expected number of voucher lines, sizes the bloom filters")
	flag.Float64Var(&opts.fpr, "fpr", 0.001, "bloom filter false positive rate")
	flag.IntVar(&opts.workers, "workers", 8, "concurrent voucher writers")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "only report duplicates, do not write")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		slog.Error("usage: voucher-import [flags] vouchers1.jsonl.gz [vouchers2.jsonl.gz ...]")
		os.Exit(2)
	}
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, files); err != nil {
		slog.Error("voucher import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("voucher import completed successfully")
}

func run(ctx context.Context, opts options, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, suspects, err := buildBloomFilters(ctx, files, opts)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: confirming duplicate codes")

	duplicates, err := findDuplicates(ctx, files, filters, suspects)
	if err != nil {
		return errors.Wrap(err, "find duplicates")
	}
	for code, n := range duplicates {
		slog.Warn("duplicate voucher code skipped", slog.String("code", code), slog.Int("occurrences", n))
	}
	slog.Info("duplicate codes", slog.Int("count", len(duplicates)))

	if opts.dryRun {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := voucher.NewService(
		postgres.NewVoucherRepository(pool),
		postgres.NewCustomerRepository(pool),
		postgres.NewProductRepository(pool),
	)
	if err != nil {
		return errors.Wrap(err, "create voucher service")
	}

	slog.Info("pass 3: writing vouchers", slog.Int("workers", opts.workers))

	var st stats
	if err := writeVouchers(ctx, svc, files, duplicates, opts.workers, &st); err != nil {
		return errors.Wrap(err, "write vouchers")
	}

	slog.Info("import summary",
		slog.Int64("created", st.created.Load()),
		slog.Int64("existing", st.existing.Load()),
		slog.Int64("duplicates", st.duplicates.Load()),
		slog.Int64("invalid", st.invalid.Load()),
	)
	return nil
}

// buildBloomFilters creates one bloom filter per file, concurrently. Codes
// that already tested positive in their own file's filter are returned as
// suspects.
func buildBloomFilters(ctx context.Context, files []string, opts options) ([]*bloom.BloomFilter, map[string]struct{}, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	var (
		mu       sync.Mutex
		suspects = make(map[string]struct{})
	)

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.capacity, opts.fpr)
			var count uint64

			err := streamCodes(ctx, path, func(code string) {
				count++
				if filter.TestAndAddString(code) {
					mu.Lock()
					suspects[code] = struct{}{}
					mu.Unlock()
				}
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}

			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("total_codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return filters, suspects, nil
}

// findDuplicates counts exact occurrences of every code the filters flag as
// possibly repeated, and keeps the ones seen at least twice.
func findDuplicates(
	ctx context.Context,
	files []string,
	filters []*bloom.BloomFilter,
	suspects map[string]struct{},
) (map[string]int, error) {
	counts := make([]map[string]int, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			local := make(map[string]int)
			err := streamCodes(ctx, path, func(code string) {
				if _, ok := suspects[code]; ok {
					local[code]++
					return
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						local[code]++
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s for duplicates", path)
			}
			counts[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]int)
	for _, local := range counts {
		for code, n := range local {
			merged[code] += n
		}
	}
	for code, n := range merged {
		if n < 2 {
			delete(merged, code)
		}
	}
	return merged, nil
}

// writeVouchers decodes every definition and creates it with bounded
// concurrency. Invalid definitions and codes that already exist are counted,
// not fatal.
func writeVouchers(
	ctx context.Context,
	svc *voucher.Service,
	files []string,
	duplicates map[string]int,
	workers int,
	st *stats,
) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for _, path := range files {
		err := streamLines(ctx, path, func(n int, line []byte) error {
			def, err := handler.DecodeDefinition(jx.DecodeBytes(line))
			if err != nil {
				st.invalid.Add(1)
				slog.Warn("malformed voucher line", slog.String("file", path), slog.Int("line", n), slog.String("error", err.Error()))
				return nil
			}
			if _, dup := duplicates[def.Code]; dup {
				st.duplicates.Add(1)
				return nil
			}

			g.Go(func() error {
				return createVoucher(ctx, svc, def, st)
			})

			if total := st.created.Load(); total > 0 && total%progressEvery == 0 {
				slog.Info("write progress", slog.Int64("created", total))
			}
			return nil
		})
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return errors.Wrapf(err, "read %s", path)
		}
	}
	return g.Wait()
}

func createVoucher(ctx context.Context, svc *voucher.Service, def voucher.Definition, st *stats) error {
	_, err := svc.CreateVoucher(ctx, def)

	var (
		invalid *voucher.InvalidError
		unknown *voucher.UnknownProductsError
	)
	switch {
	case err == nil:
		st.created.Add(1)
	case errors.Is(err, voucher.ErrCodeConflict):
		st.existing.Add(1)
	case errors.As(err, &invalid), errors.As(err, &unknown):
		st.invalid.Add(1)
		slog.Warn("invalid voucher skipped", slog.String("code", def.Code), slog.String("error", err.Error()))
	default:
		return errors.Wrapf(err, "create voucher %s", def.Code)
	}
	return nil
}

// streamCodes calls fn with the "code" field of every line in path.
func streamCodes(ctx context.Context, path string, fn func(code string)) error {
	return streamLines(ctx, path, func(_ int, line []byte) error {
		code, err := lineCode(line)
		if err != nil || code == "" {
			return nil
		}
		fn(code)
		return nil
	})
}

func lineCode(line []byte) (string, error) {
	var code string
	err := jx.DecodeBytes(line).Obj(func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		s, err := d.Str()
		code = s
		return err
	})
	return code, err
}

// streamLines opens a gzip-compressed file and calls fn for each non-empty
// line with its 1-based number.
func streamLines(ctx context.Context, path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer between lines.
		if err := fn(n, append([]byte(nil), line...)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
