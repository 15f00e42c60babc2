//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ehrlich-b/mainmemory"
	"github.com/ehrlich-b/mainmemory/internal/logging"
	"github.com/ehrlich-b/mainmemory/netio"
)

func main() {
	var (
		addr      = flag.String("addr", "0.0.0.0:7777", "Address to listen on")
		listeners = flag.Int("listeners", runtime.NumCPU(), "Number of contexts (one OS thread each)")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := mainmemory.DefaultParams(*listeners)
	d, err := mainmemory.Prepare(params)
	if err != nil {
		logger.Error("failed to prepare dispatch", "error", err)
		os.Exit(1)
	}

	for i := 0; i < d.Size(); i++ {
		go func(c *mainmemory.Context) {
			if err := c.Start(); err != nil {
				logger.Error("context failed", "context", c.Index(), "error", err)
			}
		}(d.Context(i))
	}

	// The accept sink lives on context 0; connections fan out from
	// there onto its fibers.
	d.Context(0).AsyncCall(func(c *mainmemory.Context, _ []uintptr, _ any) {
		_, err := netio.Listen(c, *addr, echo)
		if err != nil {
			logger.Error("listen failed", "addr", *addr, "error", err)
			os.Exit(1)
		}
		logger.Info("echo server listening", "addr", *addr, "contexts", c.Dispatch().Size())
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := d.Cleanup(); err != nil {
		logger.Error("cleanup failed", "error", err)
	}

	stats := mainmemory.Snapshot(d)
	logger.Info("final statistics",
		"events", fmt.Sprint(stats.EventsDelivered),
		"switches", fmt.Sprint(stats.FiberSwitches),
		"tasks", fmt.Sprint(stats.TasksExecuted))
}

// echo copies everything the peer sends straight back.
func echo(c *mainmemory.Context, conn *netio.Conn) {
	defer conn.Close(c)
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(c, buf)
		if err != nil {
			return
		}
		if _, err := conn.Write(c, buf[:n]); err != nil {
			return
		}
	}
}
