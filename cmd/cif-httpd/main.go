package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cif-go/cifstore/internal/app"
	"github.com/cif-go/cifstore/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and starts the init step or the server.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cif-httpd", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "listen port, overrides the config file")
	initOnly := fs.Bool("init", false, "write a config file, prepare the database and print the admin token")

	var req app.InitRequest
	fs.StringVar(&req.DatabaseType, "db-type", "sqlite", "database type for -init (sqlite or postgres)")
	fs.StringVar(&req.DatabasePath, "db-path", "", "sqlite database file for -init")
	fs.StringVar(&req.DatabaseHost, "db-host", "", "postgres host for -init")
	fs.IntVar(&req.DatabasePort, "db-port", 5432, "postgres port for -init")
	fs.StringVar(&req.DatabaseUser, "db-user", "", "postgres user for -init")
	fs.StringVar(&req.DatabasePassword, "db-password", "", "postgres password for -init")
	fs.StringVar(&req.DatabaseName, "db-name", "", "postgres database for -init")
	fs.StringVar(&req.DatabaseSSLMode, "db-sslmode", "", "postgres sslmode for -init")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	if *initOnly {
		admin, errInit := app.RunInit(ctx, appCfg, req, *port)
		if errInit != nil {
			return errInit
		}
		fmt.Fprintf(os.Stdout, "admin token: %s\n", admin.Token)
		return nil
	}

	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	if !app.ConfigExists(configPath) && strings.TrimSpace(os.Getenv(config.EnvDBConnection)) == "" {
		return fmt.Errorf("config file %s not found; run with -init or set %s", configPath, config.EnvDBConnection)
	}
	return app.RunServer(ctx, appCfg, *port)
}

// validatePort accepts 0 (use the configured port) or a valid TCP port.
func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
