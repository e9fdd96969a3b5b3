// Command imgxfer pulls, extracts, pushes, lists, and cleans container
// images against a local content-addressable cache, per spec.md.
package main

import (
	"context"
	"os"

	"github.com/yorelog/docker-image-pusher/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Args))
}
