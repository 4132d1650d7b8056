package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samsamfire/goduet/pkg/config"
	"github.com/samsamfire/goduet/pkg/daemon"
	_ "github.com/samsamfire/goduet/pkg/spi/linux"
	_ "github.com/samsamfire/goduet/pkg/spi/virtual"
	log "github.com/sirupsen/logrus"
)

const DefaultConfigPath = "/opt/dsf/conf/duetd.conf"

func main() {
	configPath := flag.String("c", DefaultConfigPath, "config file path")
	logLevel := flag.String("l", "", "log level (overrides config)")
	flag.Parse()

	settings := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error : %v\n", err)
			os.Exit(daemon.ExitConfigError)
		}
		settings = loaded
	}
	if *logLevel != "" {
		settings.LogLevel = *logLevel
	}
	level, err := log.ParseLevel(settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error : bad log level %q\n", settings.LogLevel)
		os.Exit(daemon.ExitConfigError)
	}
	log.SetLevel(level)

	d, err := daemon.New(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error : %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed : %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Info("shutting down")
		d.Shutdown()
	}()

	os.Exit(d.Wait())
}
