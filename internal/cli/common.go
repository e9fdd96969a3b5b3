// Package cli implements imgxfer's subcommand dispatch and flag parsing,
// the thin external-collaborator layer described in spec.md §6: it wires
// flags to pkg/image calls and exits with spec.md §6's documented codes.
// It never embeds engine logic itself.
package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yorelog/docker-image-pusher/pkg/authn"
	"github.com/yorelog/docker-image-pusher/pkg/cacheio"
	"github.com/yorelog/docker-image-pusher/pkg/concurrency"
	"github.com/yorelog/docker-image-pusher/pkg/events"
	"github.com/yorelog/docker-image-pusher/pkg/image"
	"github.com/yorelog/docker-image-pusher/pkg/progress"
	"github.com/yorelog/docker-image-pusher/pkg/registry"
	"github.com/yorelog/docker-image-pusher/pkg/xferr"
)

// Exit codes, per spec.md §6.
const (
	ExitOK           = 0
	ExitUsage        = 1
	ExitAuth         = 2
	ExitNetwork      = 3
	ExitIntegrity    = 4
	ExitCacheIO      = 5
	ExitRemoteReject = 6
)

// Environment variables consulted at this layer only (spec.md §6: "all
// optional"); pkg/image and below never read the environment directly.
const (
	envUsername  = "IMGXFER_USERNAME"
	envPassword  = "IMGXFER_PASSWORD"
	envCacheDir  = "IMGXFER_CACHE_DIR"
	envVerbosity = "IMGXFER_VERBOSITY"
	envSkipTLS   = "IMGXFER_SKIP_TLS"
)

func defaultCacheDir() string {
	if v, ok := os.LookupEnv(envCacheDir); ok && v != "" {
		return v
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".imgxfer-cache"
	}
	return dir + "/imgxfer"
}

// commonFlags are the flags shared by every subcommand that touches the
// cache or a registry.
type commonFlags struct {
	cacheDir      string
	registryOverr string
	skipTLS       bool
	maxConcurrent int64
	timeout       time.Duration
	retryAttempts uint
	adaptive      bool
}

func registerCommonFlags(fs *flag.FlagSet, cf *commonFlags, withRegistry bool) {
	fs.StringVar(&cf.cacheDir, "cache-dir", defaultCacheDir(), "Cache directory")
	if withRegistry {
		fs.StringVar(&cf.registryOverr, "registry", "", "Registry host override (defaults to the reference's own registry)")
		fs.BoolVar(&cf.skipTLS, "skip-tls", envBool(envSkipTLS), "Use plain HTTP instead of HTTPS")
		fs.Int64Var(&cf.maxConcurrent, "max-concurrent", 8, "Maximum concurrent blob tasks")
		fs.DurationVar(&cf.timeout, "timeout", 2*time.Hour, "Deadline for the whole pull or push, also used as the retry window; no separate per-request timeout is applied")
		fs.UintVar(&cf.retryAttempts, "retry-attempts", 5, "Maximum retry attempts for a transient failure")
		fs.BoolVar(&cf.adaptive, "adaptive-concurrency", false, "Grow or shrink concurrent blob tasks based on observed throughput instead of holding a fixed cap (spec.md §4.F)")
	}
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	return ok && v != "" && v != "0" && v != "false"
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	switch os.Getenv(envVerbosity) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// anyHostCredentials applies the single credential pair read from the
// environment to whichever registry host the reference actually names,
// since the CLI only supports one set of configured credentials at a time
// (spec.md §6).
type anyHostCredentials struct {
	cred authn.Credential
	set  bool
}

func (a anyHostCredentials) Credential(_ string) authn.Credential {
	if !a.set {
		return authn.Credential{}
	}
	return a.cred
}

func credentialSource() authn.CredentialSource {
	user, hasUser := os.LookupEnv(envUsername)
	pass, hasPass := os.LookupEnv(envPassword)
	if !hasUser && !hasPass {
		return nil
	}
	return anyHostCredentials{cred: authn.Credential{Username: user, Password: pass}, set: true}
}

// openStore initializes a cache store rooted at cf.cacheDir.
func openStore(cf commonFlags, log logrus.FieldLogger) (*cacheio.Store, error) {
	store := cacheio.New(cf.cacheDir, cacheio.WithLogger(log))
	if err := store.Init(); err != nil {
		return nil, err
	}
	return store, nil
}

// newManager builds a registry client, authenticator, concurrency
// controller, and event bus from cf, wiring them into an image.Manager.
// registryHost is the host the client talks to (the override, or the
// reference's own registry).
func newManager(cf commonFlags, registryHost string, log logrus.FieldLogger, bus *events.Bus) (*image.Manager, *cacheio.Store, *concurrency.Controller, error) {
	store, err := openStore(cf, log)
	if err != nil {
		return nil, nil, nil, err
	}

	auth := authn.New(credentialSource(), authn.WithLogger(log))
	var regOpts []registry.Option
	regOpts = append(regOpts, registry.WithLogger(log), registry.WithRetryPolicy(cf.retryAttempts, cf.timeout))
	if cf.skipTLS {
		regOpts = append(regOpts, registry.WithPlainHTTP())
	}
	client := registry.New(registryHost, auth, regOpts...)

	mode := concurrency.Fixed
	if cf.adaptive {
		mode = concurrency.Adaptive
	}
	ctrl := concurrency.New(concurrency.Config{
		Mode:           mode,
		Max:            cf.maxConcurrent,
		Initial:        cf.maxConcurrent,
		Min:            1,
		SampleInterval: time.Second,
		AdjustInterval: 5 * time.Second,
		Step:           1,
		MinRSquared:    0.5,
		Bus:            bus,
	})

	mgr := image.New(store, client, image.WithController(ctrl), image.WithBus(bus), image.WithLogger(log))
	return mgr, store, ctrl, nil
}

// exitCodeFor maps an error returned by pkg/image to spec.md §6's exit
// codes, keying off xferr.Kind rather than message text.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *xferr.Error
	if !xferr.As(err, &e) {
		return ExitNetwork
	}
	switch e.Kind {
	case xferr.KindAuth:
		return ExitAuth
	case xferr.KindNetwork, xferr.KindCancelled:
		return ExitNetwork
	case xferr.KindIntegrity:
		return ExitIntegrity
	case xferr.KindCacheIO:
		return ExitCacheIO
	case xferr.KindProtocol:
		return ExitRemoteReject
	case xferr.KindArchiveFormat, xferr.KindConfig:
		return ExitUsage
	default:
		return ExitNetwork
	}
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return ExitUsage
}

func startProgress(bus *events.Bus) func() {
	return progress.NewRenderer(bus).Start()
}

// stringSliceFlag accumulates repeated occurrences of a flag into a slice,
// used for --mirror on pull (spec.md SUPPLEMENTED FEATURES: multi-registry
// fallback).
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	out := ""
	for i, v := range *s {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
