package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/yorelog/docker-image-pusher/pkg/events"
	"github.com/yorelog/docker-image-pusher/pkg/imgref"
)

// PushProcess implements the `push` subcommand: upload a cached image (or
// a tar archive, extracted first) to a target reference (spec.md §6, §4.H
// PushFromCache).
func PushProcess(ctx context.Context, args []string) int {
	var cf commonFlags
	var dryRun, forceUpload bool
	var largeLayerThreshold int64
	var mountFrom string

	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	registerCommonFlags(fs, &cf, true)
	fs.BoolVar(&dryRun, "dry-run", false, "Plan the push without uploading anything")
	fs.BoolVar(&forceUpload, "force-upload", false, "Upload every blob even if the registry reports it already exists (disables --skip-existing)")
	fs.Bool("skip-existing", true, "Skip blobs the registry already has (the default; see --force-upload)")
	fs.Int64Var(&largeLayerThreshold, "large-layer-threshold", 0, "Layers larger than this size (bytes) are uploaded in chunks of this size instead of a monolithic PUT; 0 disables chunking")
	fs.StringVar(&mountFrom, "mount-from", "", "Attempt a cross-repository blob mount from this source repository before uploading")

	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 2 {
		return fail("push: expected SOURCE and TARGET arguments, got %d", fs.NArg())
	}
	source, target := fs.Arg(0), fs.Arg(1)

	targetRef, err := imgref.Parse(target)
	if err != nil {
		return fail("push: %v", err)
	}

	log := newLogger()
	bus := events.NewBus(nil)
	stopProgress := startProgress(bus)
	defer stopProgress()

	if strings.HasSuffix(source, ".tar") {
		results, err := extractTarFile(ctx, source, cf)
		if err != nil {
			return mapExit(err)
		}
		if len(results) == 0 {
			return fail("push: archive %s contained no images", source)
		}
		source = results[0].References[0].Repository + ":" + results[0].References[0].Identifier()
	}
	sourceRef, err := imgref.Parse(source)
	if err != nil {
		return fail("push: invalid cache source %q: %v", source, err)
	}

	registryHost := targetRef.Registry
	if cf.registryOverr != "" {
		registryHost = cf.registryOverr
	}
	mgr, store, ctrl, err := newManager(cf, registryHost, log, bus)
	if err != nil {
		return mapExit(err)
	}
	mgr.ChunkSize = largeLayerThreshold
	mgr.ForceUpload = forceUpload

	if dryRun {
		_, blobs, err := store.EntryBlobs(sourceRef.Repository, sourceRef.Identifier())
		if err != nil {
			return mapExit(err)
		}
		fmt.Fprintf(os.Stdout, "would push %s -> %s (%d blobs)\n", sourceRef, targetRef, len(blobs))
		for d, info := range blobs {
			fmt.Fprintf(os.Stdout, "  %s (%d bytes)\n", d, info.Size)
		}
		return ExitOK
	}

	pushCtx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()
	ctrl.Run(pushCtx)
	defer ctrl.Stop()
	if err := mgr.PushFromCache(pushCtx, sourceRef, targetRef, mountFrom); err != nil {
		return mapExit(err)
	}
	return ExitOK
}
