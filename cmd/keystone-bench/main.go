// Command keystone-bench measures insert, search, range, and delete
// throughput of the keystone B+ tree storage engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/keystone-kv/keystone/core/btree"
	"github.com/keystone-kv/keystone/core/buffer"
	"github.com/keystone-kv/keystone/pkg/logger"
	"github.com/keystone-kv/keystone/pkg/telemetry"
)

func sep() {
	fmt.Println("────────────────────────────────────────────────")
}

func main() {
	file := flag.String("file", "bench.idx", "index file path")
	n := flag.Int("n", 100_000, "records for the insert phase")
	poolSize := flag.Int("pool", buffer.DefaultPoolSize, "buffer pool frames")
	noWAL := flag.Bool("no-wal", false, "disable the write-ahead log")
	rateLimit := flag.Float64("rate", 0, "cap inserts per second (0 = unthrottled)")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address (e.g. :9090)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "rng seed for the search and range phases")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "warn", Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	os.Remove(*file)
	os.Remove(*file + ".wal")

	tree, err := btree.Open(*file, btree.Options{
		PoolSize:   *poolSize,
		DisableWAL: *noWAL,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}
	defer tree.Close()

	if *metricsAddr != "" {
		telemetry.Serve(*metricsAddr, telemetry.NewRegistry(tree))
		fmt.Printf(" metrics: http://%s/metrics\n", *metricsAddr)
	}

	var limiter *rate.Limiter
	if *rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rateLimit), 1)
	}

	fmt.Println()
	sep()
	fmt.Println(" keystone B+ tree engine — benchmark")
	sep()

	// ── Phase 1: sequential insert ──────────────────────────────────────

	fmt.Printf("\nPHASE 1: sequential insert (%d records)\n", *n)
	start := time.Now()
	for i := 0; i < *n; i++ {
		if limiter != nil {
			limiter.Wait(context.Background())
		}
		if err := tree.Insert(int32(i), fmt.Appendf(nil, "Record_%d_Data", i)); err != nil {
			fmt.Fprintf(os.Stderr, "insert %d: %v\n", i, err)
			os.Exit(1)
		}
		if (i+1)%20_000 == 0 {
			fmt.Printf("  %d inserted\n", i+1)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("  time: %v   throughput: %.0f inserts/s\n", elapsed, float64(*n)/elapsed.Seconds())

	// ── Phase 2: random search ──────────────────────────────────────────

	searches := *n / 10
	if searches == 0 {
		searches = 1
	}
	fmt.Printf("\nPHASE 2: random search (%d lookups)\n", searches)
	rng := rand.New(rand.NewSource(*seed))
	hits := 0
	start = time.Now()
	for i := 0; i < searches; i++ {
		if _, err := tree.Search(int32(rng.Intn(*n))); err == nil {
			hits++
		}
	}
	elapsed = time.Since(start)
	fmt.Printf("  time: %v   (%d/%d hits)   throughput: %.0f searches/s\n",
		elapsed, hits, searches, float64(searches)/elapsed.Seconds())

	// ── Phase 3: range queries ──────────────────────────────────────────

	const ranges = 100
	span := int32(*n / 100)
	if span < 1 {
		span = 1
	}
	fmt.Printf("\nPHASE 3: range queries (%d scans of ~%d keys)\n", ranges, span)
	total := 0
	start = time.Now()
	for i := 0; i < ranges; i++ {
		lo := int32(rng.Intn(*n))
		results, err := tree.RangeQuery(lo, lo+span)
		if err != nil {
			fmt.Fprintf(os.Stderr, "range: %v\n", err)
			os.Exit(1)
		}
		total += len(results)
	}
	elapsed = time.Since(start)
	fmt.Printf("  time: %v   %d records returned\n", elapsed, total)

	// ── Phase 4: delete ─────────────────────────────────────────────────

	deletes := *n / 10
	fmt.Printf("\nPHASE 4: delete (%d records)\n", deletes)
	start = time.Now()
	for i := 0; i < deletes; i++ {
		if err := tree.Delete(int32(i)); err != nil {
			fmt.Fprintf(os.Stderr, "delete %d: %v\n", i, err)
			os.Exit(1)
		}
	}
	elapsed = time.Since(start)
	fmt.Printf("  time: %v   throughput: %.0f deletes/s\n", elapsed, float64(deletes)/elapsed.Seconds())

	// ── Stats ───────────────────────────────────────────────────────────

	s := tree.Stats()
	fmt.Println()
	sep()
	fmt.Printf(" pool hit rate: %.2f%%  (%d hits / %d misses)\n", s.PoolHitRate*100, s.PoolHits, s.PoolMisses)
	if s.WALEnabled {
		fmt.Printf(" wal: %d records, %d bytes\n", s.WALRecords, s.WALBytes)
	}
	sep()
}
