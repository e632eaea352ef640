// Command zippy is a CLI for a zippy document store: put, get, scan,
// delete, compact, and list-collections against a root directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/zippydata/zippy/pkg/fs"
	"github.com/zippydata/zippy/pkg/zds"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "zippy:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: zippy <put|get|scan|delete|compact|list-collections> [flags]")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(workDir)
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "put":
		return runPut(cfg, rest)
	case "get":
		return runGet(cfg, rest)
	case "scan":
		return runScan(cfg, rest)
	case "delete":
		return runDelete(cfg, rest)
	case "compact":
		return runCompact(cfg, rest)
	case "list-collections":
		return runListCollections(cfg, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openRootForWrite(cfg Config) (*zds.Root, error) {
	return zds.OpenRoot(fs.NewReal(), cfg.Root, zds.ReadWrite)
}

func openRootForRead(cfg Config) (*zds.Root, error) {
	return zds.OpenRoot(fs.NewReal(), cfg.Root, zds.ReadOnly)
}

func runPut(cfg Config, args []string) error {
	fset := pflag.NewFlagSet("put", pflag.ContinueOnError)
	collection := fset.StringP("collection", "c", "", "collection name")
	docJSON := fset.StringP("doc", "d", "", "document JSON (reads stdin if omitted)")
	strict := fset.Bool("strict", cfg.Strict, "enable strict schema enforcement for this collection")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *collection == "" {
		return fmt.Errorf("--collection is required")
	}

	raw := []byte(*docJSON)
	if *docJSON == "" {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		raw = data
	}

	doc, err := zds.DecodeDocument(raw)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	root, err := openRootForWrite(cfg)
	if err != nil {
		return err
	}
	defer root.Close()

	store, err := root.Collection(*collection)
	if err != nil {
		return err
	}
	store.SchemaRegistry().SetStrict(*strict)

	id, err := store.Put(doc)
	if err != nil {
		return err
	}

	fmt.Println(id)
	return nil
}

func runGet(cfg Config, args []string) error {
	fset := pflag.NewFlagSet("get", pflag.ContinueOnError)
	collection := fset.StringP("collection", "c", "", "collection name")
	id := fset.StringP("id", "i", "", "document id")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *id == "" {
		return fmt.Errorf("--collection and --id are required")
	}

	root, err := openRootForRead(cfg)
	if err != nil {
		return err
	}
	defer root.Close()

	store, err := root.Collection(*collection)
	if err != nil {
		return err
	}

	doc, err := store.Get(*id)
	if err != nil {
		return err
	}

	return printJSON(doc)
}

func runScan(cfg Config, args []string) error {
	fset := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	collection := fset.StringP("collection", "c", "", "collection name")
	eqField := fset.String("eq-field", "", "require field to equal --eq-value")
	eqValue := fset.String("eq-value", "", "value to compare --eq-field against")
	fields := fset.StringSlice("fields", nil, "project result to these dotted field paths")
	workers := fset.Int("workers", cfg.ScanWorkers, "parallel scan workers (0 = default)")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *collection == "" {
		return fmt.Errorf("--collection is required")
	}

	pred := zds.Predicate{Op: zds.OpAnd}
	if *eqField != "" {
		pred.Children = append(pred.Children, zds.Predicate{
			Op: zds.OpEq, Path: *eqField, Value: *eqValue,
		})
	}

	root, err := openRootForRead(cfg)
	if err != nil {
		return err
	}
	defer root.Close()

	store, err := root.Collection(*collection)
	if err != nil {
		return err
	}
	if err := store.RefreshMmap(); err != nil {
		return err
	}

	results, err := store.Scan(context.Background(), pred, zds.ScanOptions{
		Fields:  *fields,
		Workers: *workers,
	})
	if err != nil {
		return err
	}

	for _, r := range results {
		if err := printJSON(r.Doc); err != nil {
			return err
		}
	}
	return nil
}

func runDelete(cfg Config, args []string) error {
	fset := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	collection := fset.StringP("collection", "c", "", "collection name")
	id := fset.StringP("id", "i", "", "document id")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *id == "" {
		return fmt.Errorf("--collection and --id are required")
	}

	root, err := openRootForWrite(cfg)
	if err != nil {
		return err
	}
	defer root.Close()

	store, err := root.Collection(*collection)
	if err != nil {
		return err
	}

	return store.Delete(*id)
}

func runCompact(cfg Config, args []string) error {
	fset := pflag.NewFlagSet("compact", pflag.ContinueOnError)
	collection := fset.StringP("collection", "c", "", "collection name")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *collection == "" {
		return fmt.Errorf("--collection is required")
	}

	start := time.Now()

	root, err := openRootForWrite(cfg)
	if err != nil {
		return err
	}
	defer root.Close()

	store, err := root.Collection(*collection)
	if err != nil {
		return err
	}

	before := store.Len()
	if err := store.Compact(); err != nil {
		return err
	}

	slog.Info("compacted collection",
		"collection", *collection,
		"documents", before,
		"duration", time.Since(start))
	return nil
}

func runListCollections(cfg Config, args []string) error {
	fset := pflag.NewFlagSet("list-collections", pflag.ContinueOnError)
	if err := fset.Parse(args); err != nil {
		return err
	}

	root, err := openRootForRead(cfg)
	if err != nil {
		return err
	}
	defer root.Close()

	names, err := root.ListCollections()
	if err != nil {
		return err
	}

	fmt.Println(strings.Join(names, "\n"))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

func readAllStdin() ([]byte, error) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
