// Command posh-proxyd is the proxy daemon: it runs on a
// proxy host, accepts subgraph assignments from cmd/posh's Dispatcher,
// and executes its share of the pipeline locally.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/posh-sh/posh/internal/dispatch"
	"github.com/posh-sh/posh/internal/mount"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f := pflag.NewFlagSet("posh-proxyd", pflag.ContinueOnError)
	f.SortFlags = false
	f.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: posh-proxyd --folder DIR --ip_address IP --tmpfile DIR [OPTIONS]")
		f.PrintDefaults()
	}

	folder := f.String("folder", "", "this proxy's local root, matching its mounts[] entry (required)")
	ipAddress := f.String("ip_address", "", "this proxy's control-plane IP, matching its mounts[] key (required)")
	tmpfile := f.String("tmpfile", "", "scratch directory (required; stored on the server, aggregators and their spill run on the client)")
	runtimePort := f.Int("runtime_port", 1235, "control-connection listen port")
	dataPort := f.Int("data_port", 0, "data-connection listen port (0: runtime_port+1)")

	if err := f.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}
	if *folder == "" || *ipAddress == "" || *tmpfile == "" {
		fmt.Fprintln(os.Stderr, "posh-proxyd: --folder, --ip_address and --tmpfile are all required")
		f.Usage()
		return 2
	}
	if *dataPort == 0 {
		*dataPort = *runtimePort + 1
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}).
		With().Timestamp().Str("ip", *ipAddress).Logger()

	ctrlLn, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*runtimePort)))
	if err != nil {
		log.Error().Err(err).Msg("control listen")
		return 2
	}
	dataLn, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*dataPort)))
	if err != nil {
		ctrlLn.Close()
		log.Error().Err(err).Msg("data listen")
		return 2
	}

	srv := dispatch.NewProxyServer(log, mount.Proxy(*ipAddress), *folder, *tmpfile)
	srv.DataPort = *dataPort

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- srv.ServeControl(ctx, ctrlLn) }()
	go func() { errs <- srv.ServeData(ctx, dataLn) }()

	log.Info().Int("control_port", *runtimePort).Int("data_port", *dataPort).Str("folder", *folder).Msg("posh-proxyd listening")

	select {
	case <-ctx.Done():
		return 130
	case err := <-errs:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
			return 1
		}
		return 0
	}
}
