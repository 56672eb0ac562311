// Command gateway runs a single-channel LoRa packet forwarder on an
// SX1276/SX1278 transceiver.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/config"
	"github.com/lorawan-server/single-channel-gateway/pkg/crypto"
)

func main() {
	configPath := flag.String("config", "config/gateway.yml", "path to the configuration file")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	showConfig := flag.Bool("show-config", false, "print the configuration summary and exit")
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin and print its bcrypt hash")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *hashPassword {
		if err := printPasswordHash(); err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}

	if *showConfig || *validateOnly {
		cfg.PrintConfigSummary(os.Stdout)
		if *validateOnly {
			fmt.Println("configuration OK")
		}
		return
	}

	logFile, err := setupLogging(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log.Info().
		Str("config_path", *configPath).
		Str("gateway_eui", cfg.Gateway.EUI.String()).
		Msg("Single channel gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Gateway stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Gateway stopped")
}

func printPasswordHash() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	hash, err := crypto.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
