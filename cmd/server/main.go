package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deviceserver/internal/app"
	"deviceserver/internal/config"
	"deviceserver/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath, showHelp, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if showHelp {
		printUsage()
		return 0
	}

	log, err := logging.Open("device_server.log", logging.INFO)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		return 1
	}
	defer log.Close()

	cfg := loadConfigWithFallback(configPath, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, log)
	if err := application.Run(ctx); err != nil {
		log.Error("application terminated: %v", err)
		return 1
	}

	log.Info("application stopped cleanly")
	return 0
}

// parseArgs implements the documented CLI: server [-c|--config <path>] [-h|--help].
func parseArgs(args []string) (configPath string, help bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			return "", true, nil
		case "-c", "--config":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("%s requires a path argument", args[i])
			}
			configPath = args[i+1]
			i++
		default:
			return "", false, fmt.Errorf("unrecognized argument: %s", args[i])
		}
	}
	return configPath, false, nil
}

// loadConfigWithFallback tries only explicit when it is set; otherwise it
// tries config.ini, then ../config.ini, then ../../config.ini. If every
// attempt fails it logs a warning and proceeds with default settings rather
// than treating a missing config file as fatal.
func loadConfigWithFallback(explicit string, log *logging.Logger) config.Config {
	first := explicit
	if first == "" {
		first = "config.ini"
	}
	candidates := []string{first}
	if explicit == "" {
		candidates = append(candidates, "../config.ini", "../../config.ini")
	}

	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg
		}
	}

	log.Warn("failed to load config file: %s, using defaults", first)
	return config.LoadDefaults()
}

func printUsage() {
	fmt.Println("Usage: server [-c|--config <path>] [-h|--help]")
}
