package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ringlet-chat/ringlet/internal/app"
	"github.com/ringlet-chat/ringlet/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Ringlet v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	dir := "."
	switch len(args) {
	case 0:
	case 1:
		if args[0] == "serve" {
			break
		}
		dir = args[0]
	case 2:
		if args[0] != "serve" {
			fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
			showUsage()
			os.Exit(1)
		}
		dir = args[1]
	default:
		showUsage()
		os.Exit(1)
	}

	runNode(dir)
}

func runNode(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid node directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Create node directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.Chdir(absDir); err != nil {
		fmt.Fprintf(os.Stderr, "Enter node directory: %v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(absDir, "ringlet.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load config: %v\n", err)
		os.Exit(1)
	}

	printBanner(absDir, cfgPath, cfg, created)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{CfgPath: cfgPath, Cfg: cfg}); err != nil {
		fmt.Fprintf(os.Stderr, "Node failed: %v\n", err)
		os.Exit(1)
	}
}

func printBanner(dir, cfgPath string, cfg config.Config, created bool) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println("Ringlet · chat and calls")
	fmt.Printf("  node dir: %s\n", dir)
	if created {
		fmt.Printf("  config:   %s (created with defaults)\n", cfgPath)
	} else {
		fmt.Printf("  config:   %s\n", cfgPath)
	}
	fmt.Printf("  UI:       http://%s\n", cfg.Viewer.HTTPAddr)
	fmt.Println("────────────────────────────────────────────────────────")
}

func showUsage() {
	fmt.Println("Ringlet - direct chat with video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ringlet                    Run a node from the current directory")
	fmt.Println("  ringlet serve <directory>  Run a node from the given directory")
	fmt.Println()
	fmt.Println("The directory holds ringlet.json (created on first run) and the")
	fmt.Println("data/ directory with the node's SQLite database.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
