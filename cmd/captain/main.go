package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config.yaml", "path to the config file")
	flag.StringVar(&opts.username, "username", "", "captain username (omit to resume a saved session)")
	flag.StringVar(&opts.password, "password", "", "captain password")
	flag.BoolVar(&opts.goOnline, "online", false, "go available immediately after connecting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "captain:", err)
		os.Exit(1)
	}
}
