// xous-sim hosts the kernel as a regular process: it boots from a manifest
// and exposes the syscall ABI over a Unix domain socket, standing in for
// the RV32 target this kernel actually runs on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xous-go/xous/internal/kernel/boot"
	sysabi "github.com/xous-go/xous/internal/kernel/syscall"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to the boot manifest (YAML)")
	socketPath := flag.String("socket", "/tmp/xous-sim.sock", "Unix socket to expose the syscall ABI on")
	flag.Parse()

	if err := run(*manifestPath, *socketPath); err != nil {
		fmt.Fprintf(os.Stderr, "xous-sim: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestPath, socketPath string) error {
	if manifestPath == "" {
		return fmt.Errorf("-manifest is required")
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	m, err := boot.ParseManifest(data)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, started, err := boot.Boot(ctx, m)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	for _, s := range started {
		fmt.Printf("started init process %q (pid %d)\n", s.Name, s.Process.PID)
	}

	tr, err := sysabi.Listen(k, socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	fmt.Printf("syscall ABI listening on %s\n", tr.SocketPath())

	serveErr := make(chan error, 1)
	go func() { serveErr <- tr.Serve() }()

	select {
	case <-ctx.Done():
		fmt.Println("shutting down")
		return tr.Close()
	case err := <-serveErr:
		return err
	}
}
