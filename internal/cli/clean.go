package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/yorelog/docker-image-pusher/pkg/cacheio"
)

// CleanProcess implements the `clean` subcommand: remove cache entries
// matching filter (a glob over "repository:reference", or empty for every
// entry) and garbage-collect any blob no longer referenced (spec.md §6,
// §4.H Clean).
func CleanProcess(_ context.Context, args []string) int {
	var cf commonFlags
	var filter string
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	registerCommonFlags(fs, &cf, false)
	fs.StringVar(&filter, "filter", "", "Glob pattern over \"repository:reference\" selecting which entries to remove; empty matches every entry")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}

	log := newLogger()
	store := cacheio.New(cf.cacheDir, cacheio.WithLogger(log))
	if err := store.Init(); err != nil {
		return mapExit(err)
	}

	for _, e := range store.ListEntries() {
		key := e.Repository + ":" + e.Reference
		if filter != "" {
			matched, err := path.Match(filter, key)
			if err != nil {
				return fail("clean: invalid --filter: %v", err)
			}
			if !matched {
				continue
			}
		}
		if err := store.RemoveEntry(e.Repository, e.Reference); err != nil {
			return mapExit(err)
		}
		fmt.Fprintf(os.Stdout, "removed %s\n", key)
	}

	removed, err := store.GC()
	if err != nil {
		return mapExit(err)
	}
	for _, d := range removed {
		fmt.Fprintf(os.Stdout, "gc'd blob %s\n", d)
	}
	return ExitOK
}
