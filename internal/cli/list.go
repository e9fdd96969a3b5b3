package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/yorelog/docker-image-pusher/pkg/cacheio"
)

// ListProcess implements the `list` subcommand: enumerate cache entries
// (spec.md §6, §4.H List).
func ListProcess(_ context.Context, args []string) int {
	var cf commonFlags
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	registerCommonFlags(fs, &cf, false)
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}

	log := newLogger()
	store := cacheio.New(cf.cacheDir, cacheio.WithLogger(log))
	if err := store.Init(); err != nil {
		return mapExit(err)
	}

	for _, e := range store.ListEntries() {
		fmt.Fprintf(os.Stdout, "%s:%s\t%d blobs\t%d bytes\n", e.Repository, e.Reference, e.BlobCount, e.TotalSize)
	}
	return ExitOK
}
