package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("synergos %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "demo":
		if err := runDemo(); err != nil {
			slog.Error("demo failed", "error", err)
			os.Exit(1)
		}
	case "secret":
		if err := runSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: synergos <command>

Commands:
  gateway    Start the synergos daemon
  demo       Run a self-contained collaboration scenario
  secret     Manage vault-encrypted secrets
  backup     Archive the data directory (tar+zstd)
  restore    Restore a data directory archive
  version    Print version
`)
}
