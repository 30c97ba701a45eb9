// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/agora/internal/app"
	"github.com/petervdpas/agora/internal/auth"
	"github.com/petervdpas/agora/internal/config"
)

var log = logging.Logger("agora")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgFile = "agora.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("agora v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: agora serve <data-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: agora init <data-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	case "hash-secret":
		runHashSecret(args[1:])

	case "version":
		fmt.Printf("agora v%s\n", appVersion)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func resolveDir(arg string, create bool) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create data directory: %v", err)
		}
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Data directory does not exist: %s", absDir)
	}
	return absDir
}

func runServe(dirArg string) {
	absDir := resolveDir(dirArg, false)

	if err := config.LoadDotEnv(absDir); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("wrote default config to %s", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func runInit(dirArg string) {
	absDir := resolveDir(dirArg, true)
	cfgPath := filepath.Join(absDir, cfgFile)

	cfg := config.Default()
	if existing, err := config.LoadPartial(cfgPath); err == nil {
		cfg = existing
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func runHashSecret(args []string) {
	secret := ""
	if len(args) > 0 {
		secret = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Secret: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		secret = strings.TrimSpace(line)
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: empty secret")
		os.Exit(1)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		log.Fatalf("hash: %v", err)
	}
	fmt.Println(hash)
}

func showUsage() {
	fmt.Println("agora - realtime presence, messaging and call signaling for the forum")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agora serve <directory>     Run a node from the data directory")
	fmt.Println("  agora init <directory>      Create or edit agora.json interactively")
	fmt.Println("  agora hash-secret [secret]  Print the bcrypt hash for hooks.secret_hash")
	fmt.Println("  agora version               Show version information")
	fmt.Println()
	fmt.Println("The data directory holds agora.json, an optional .env, the tokens")
	fmt.Println("file (auth.mode=tokens) and the SQLite event log.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  agora init ./nodes/eu-1")
	fmt.Println("  AGORA_BROKER=redis AGORA_REDIS_URL=redis://cache:6379 agora serve ./nodes/eu-1")
}
