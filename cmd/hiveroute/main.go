// Package main runs the hiveroute backend node and its operator commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hiveroute"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}
