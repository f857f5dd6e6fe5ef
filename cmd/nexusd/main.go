package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/opencode-nexus/nexusd/internal/daemon"
)

func main() {
	socketFlag := flag.String("socket", "", "control socket path (default ~/.nexus/nexusd.sock)")
	noRestoreFlag := flag.Bool("no-restore", false, "do not reconnect the last-used profile on start")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{
			SocketPath: *socketFlag,
			NoRestore:  *noRestoreFlag,
		}),
	)

	app.Run()
}
