package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kong/systemctl2mqtt/internal/build"
	"github.com/kong/systemctl2mqtt/internal/cmd/root"
	"github.com/kong/systemctl2mqtt/internal/iostreams"
)

var (
	// version, commit and date may be overridden by the linker with -X
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root.Execute(ctx, iostreams.GetOSIOStreams(), &build.Info{
		Version: version,
		Commit:  commit,
		Date:    date,
	})
}
