// Command keystone-shell is an interactive shell for the keystone B+ tree
// storage engine.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/keystone-kv/keystone/core/btree"
	"github.com/keystone-kv/keystone/core/buffer"
	"github.com/keystone-kv/keystone/core/storage"
	"github.com/keystone-kv/keystone/pkg/logger"
)

const banner = `
 ┌──────────────────────────────────────┐
 │   keystone B+ tree engine — shell    │
 └──────────────────────────────────────┘
`

const usage = `commands:
  put <key> <value>        insert or update a record
  get <key>                point lookup
  del <key>                delete a record
  range <lo> <hi>          records with lo <= key <= hi
  bulk <start> <count>     insert count records from start
  stats                    buffer pool and WAL counters
  checkpoint               flush everything and truncate the WAL (no-op without WAL)
  dot [file]               dump the tree as Graphviz DOT
  help                     this text
  exit                     close the tree and quit
`

func main() {
	file := flag.String("file", "keystone.idx", "index file path")
	poolSize := flag.Int("pool", buffer.DefaultPoolSize, "buffer pool frames")
	noWAL := flag.Bool("no-wal", false, "disable the write-ahead log")
	logLevel := flag.String("log-level", "warn", "log level (debug|info|warn|error)")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tree, err := btree.Open(*file, btree.Options{
		PoolSize:   *poolSize,
		DisableWAL: *noWAL,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}

	rl, err := readline.New("keystone> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Print(banner)
	fmt.Printf(" index: %s  (wal: %v)\n", tree.FilePath(), !*noWAL)

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "put":
			cmdPut(tree, fields[1:])
		case "get":
			cmdGet(tree, fields[1:])
		case "del", "delete":
			cmdDel(tree, fields[1:])
		case "range":
			cmdRange(tree, fields[1:])
		case "bulk":
			cmdBulk(tree, fields[1:])
		case "stats":
			cmdStats(tree)
		case "checkpoint":
			if err := tree.Checkpoint(); err != nil {
				fmt.Printf("  ✗ %v\n", err)
			} else {
				fmt.Println("  ✓ checkpoint complete")
			}
		case "dot":
			cmdDot(tree, fields[1:])
		case "help":
			fmt.Print(usage)
		case "exit", "quit":
			if err := tree.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "close: %v\n", err)
				os.Exit(1)
			}
			return
		default:
			fmt.Printf("  unknown command %q (try: help)\n", fields[0])
		}
	}

	if err := tree.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		os.Exit(1)
	}
}

func parseKey(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q", s)
	}
	return int32(v), nil
}

func cmdPut(tree *btree.BPlusTree, args []string) {
	if len(args) < 2 {
		fmt.Println("  usage: put <key> <value>")
		return
	}
	key, err := parseKey(args[0])
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	value := strings.Join(args[1:], " ")
	if err := tree.Insert(key, []byte(value)); err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	fmt.Printf("  ✓ key %d written\n", key)
}

func cmdGet(tree *btree.BPlusTree, args []string) {
	if len(args) != 1 {
		fmt.Println("  usage: get <key>")
		return
	}
	key, err := parseKey(args[0])
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	value, err := tree.Search(key)
	switch {
	case err == nil:
		fmt.Printf("  → %s\n", value)
	case errors.Is(err, storage.ErrKeyNotFound):
		fmt.Println("  (not found)")
	default:
		fmt.Printf("  ✗ %v\n", err)
	}
}

func cmdDel(tree *btree.BPlusTree, args []string) {
	if len(args) != 1 {
		fmt.Println("  usage: del <key>")
		return
	}
	key, err := parseKey(args[0])
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	err = tree.Delete(key)
	switch {
	case err == nil:
		fmt.Println("  ✓ deleted")
	case errors.Is(err, storage.ErrKeyNotFound):
		fmt.Println("  (not found)")
	default:
		fmt.Printf("  ✗ %v\n", err)
	}
}

func cmdRange(tree *btree.BPlusTree, args []string) {
	if len(args) != 2 {
		fmt.Println("  usage: range <lo> <hi>")
		return
	}
	lo, err := parseKey(args[0])
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	hi, err := parseKey(args[1])
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	results, err := tree.RangeQuery(lo, hi)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	fmt.Printf("  %d record(s) in [%d, %d]:\n", len(results), lo, hi)
	const limit = 50
	for i, r := range results {
		if i >= limit {
			fmt.Printf("  ... (%d more)\n", len(results)-limit)
			break
		}
		fmt.Printf("    [%d] %s\n", r.Key, r.Value)
	}
}

func cmdBulk(tree *btree.BPlusTree, args []string) {
	if len(args) < 2 {
		fmt.Println("  usage: bulk <start> <count>")
		return
	}
	start, err := parseKey(args[0])
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count <= 0 {
		fmt.Println("  ✗ invalid count")
		return
	}
	for i := 0; i < count; i++ {
		key := start + int32(i)
		if err := tree.Insert(key, []byte(fmt.Sprintf("record_%d", key))); err != nil {
			fmt.Printf("  ✗ key %d: %v\n", key, err)
			return
		}
	}
	fmt.Printf("  ✓ %d records inserted\n", count)
}

func cmdStats(tree *btree.BPlusTree) {
	s := tree.Stats()
	fmt.Printf("  pool hits:     %d\n", s.PoolHits)
	fmt.Printf("  pool misses:   %d\n", s.PoolMisses)
	fmt.Printf("  pool hit rate: %.2f%%\n", s.PoolHitRate*100)
	fmt.Printf("  wal enabled:   %v\n", s.WALEnabled)
	if s.WALEnabled {
		fmt.Printf("  wal bytes:     %d\n", s.WALBytes)
		fmt.Printf("  wal records:   %d\n", s.WALRecords)
	}
}

func cmdDot(tree *btree.BPlusTree, args []string) {
	var out io.Writer = os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			fmt.Printf("  ✗ %v\n", err)
			return
		}
		defer f.Close()
		out = f
	}
	if err := tree.WriteDOT(out); err != nil {
		fmt.Printf("  ✗ %v\n", err)
	}
}
