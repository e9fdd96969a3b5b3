package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/yorelog/docker-image-pusher/pkg/events"
	"github.com/yorelog/docker-image-pusher/pkg/image/platform"
	"github.com/yorelog/docker-image-pusher/pkg/imgref"
)

// PullProcess implements the `pull` subcommand: resolve the reference,
// pull its manifest and blobs, and commit them to the cache (spec.md §6,
// §4.H PullAndCache). When --mirror is given one or more times, each
// candidate registry is tried in order until one succeeds.
func PullProcess(ctx context.Context, args []string) int {
	var cf commonFlags
	var mirrors stringSliceFlag
	var airgapped bool
	var plat string

	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	registerCommonFlags(fs, &cf, true)
	fs.Var(&mirrors, "mirror", "Additional registry to try if the reference's own registry fails (repeatable)")
	fs.BoolVar(&airgapped, "airgapped", false, "Only consult the local cache; never contact a registry")
	fs.StringVar(&plat, "platform", "", "Platform to select from a multi-platform index, e.g. linux/amd64 (defaults to linux/amd64, per spec.md §3)")

	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 1 {
		return fail("pull: expected exactly one image reference, got %d", fs.NArg())
	}

	ref, err := imgref.Parse(fs.Arg(0))
	if err != nil {
		return fail("pull: %v", err)
	}

	want := platform.Platform{OS: "linux", Architecture: "amd64"}
	if plat != "" {
		p, err := parsePlatform(plat)
		if err != nil {
			return fail("pull: %v", err)
		}
		want = p
	}

	log := newLogger()
	bus := events.NewBus(nil)
	stopProgress := startProgress(bus)
	defer stopProgress()

	if airgapped {
		store, err := openStore(cf, log)
		if err != nil {
			return mapExit(err)
		}
		if _, err := store.GetManifest(ref.Repository, ref.Identifier()); err != nil {
			return fail("pull: airgapped mode: %s not present in local cache", ref)
		}
		return ExitOK
	}

	primaryHost := ref.Registry
	if cf.registryOverr != "" {
		primaryHost = cf.registryOverr
	}
	hosts := append([]string{primaryHost}, mirrors...)
	var lastErr error
	for _, host := range hosts {
		mgr, _, ctrl, err := newManager(cf, host, log, bus)
		if err != nil {
			return mapExit(err)
		}
		pullCtx, cancel := context.WithTimeout(ctx, cf.timeout)
		ctrl.Run(pullCtx)
		err = mgr.PullAndCache(pullCtx, ref, want)
		ctrl.Stop()
		cancel()
		if err == nil {
			return ExitOK
		}
		lastErr = err
		fmt.Fprintf(os.Stderr, "pull: failed from %s: %v\n", host, err)
	}
	return mapExit(lastErr)
}

func mapExit(err error) int {
	if err == nil {
		return ExitOK
	}
	return exitCodeFor(err)
}

func parsePlatform(s string) (platform.Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return platform.Platform{}, fmt.Errorf("invalid platform %q, want os/arch[/variant]", s)
	}
	p := platform.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}
