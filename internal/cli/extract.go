package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/yorelog/docker-image-pusher/pkg/archive"
	"github.com/yorelog/docker-image-pusher/pkg/cacheio"
)

// ExtractProcess implements the `extract` subcommand: ingest a
// docker-save tar archive into the cache (spec.md §6, §4.H
// ExtractAndCache).
func ExtractProcess(ctx context.Context, args []string) int {
	var cf commonFlags
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	registerCommonFlags(fs, &cf, false)
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 1 {
		return fail("extract: expected exactly one tar file path, got %d", fs.NArg())
	}

	results, err := extractTarFile(ctx, fs.Arg(0), cf)
	if err != nil {
		return mapExit(err)
	}
	for _, r := range results {
		for _, ref := range r.References {
			fmt.Fprintf(os.Stdout, "cached %s (manifest %s)\n", ref, r.ManifestDigest)
		}
	}
	return ExitOK
}

func extractTarFile(ctx context.Context, path string, cf commonFlags) ([]archive.Result, error) {
	log := newLogger()
	store := cacheio.New(cf.cacheDir, cacheio.WithLogger(log))
	if err := store.Init(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return archive.Extract(ctx, f, store)
}
