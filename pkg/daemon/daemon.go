package daemon

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/samsamfire/goduet/pkg/channel"
	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/config"
	"github.com/samsamfire/goduet/pkg/job"
	"github.com/samsamfire/goduet/pkg/model"
	"github.com/samsamfire/goduet/pkg/router"
	"github.com/samsamfire/goduet/pkg/spi"
	"github.com/samsamfire/goduet/pkg/transfer"
	log "github.com/sirupsen/logrus"
)

// Exit codes of the daemon process
const (
	ExitOk          = 0
	ExitLinkFailure = 1
	ExitConfigError = 2
)

// Daemon supervises every service of the control plane. Instantiable,
// tests spin up isolated instances with a virtual transceiver.
type Daemon struct {
	logger   *log.Entry
	settings *config.Settings

	trx        spi.Transceiver
	engine     *transfer.Engine
	router     *router.Router
	store      *model.Store
	correlator *channel.Correlator
	macros     *channel.MacroStack
	jobs       *job.Executor
	plugins    *PluginRegistry

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
}

// New assembles a daemon from settings. The transceiver is created
// from the settings interface type.
func New(settings *config.Settings) (*Daemon, error) {
	trx, err := spi.NewTransceiver(settings.Interface, settings.Device)
	if err != nil {
		return nil, err
	}
	return NewWithTransceiver(settings, trx)
}

// NewWithTransceiver assembles a daemon around an existing
// transceiver, used by tests and the simulator
func NewWithTransceiver(settings *config.Settings, trx spi.Transceiver) (*Daemon, error) {
	if settings == nil {
		settings = config.Default()
	}
	logger := log.WithField("service", "[DAEMON]")
	ctx, cancel := context.WithCancel(context.Background())

	store := model.NewStore(nil)
	correlator := channel.NewCorrelator(settings.ReplyTimeout)
	macros := channel.NewMacroStack(settings.MacroDir, nil)
	rt := router.NewRouter(correlator, macros, store, nil)

	jobs := job.NewExecutor(ctx, rt.Processor(codes.ChannelFile), rt, nil)
	jobs.BufferedCodes = settings.BufferedPrintCodes
	rt.SetJob(jobs)

	engine := transfer.NewEngine(trx, rt, nil)
	engine.HandshakeTimeout = settings.HandshakeTimeout
	engine.CycleTime = settings.CycleTime

	return &Daemon{
		logger:     logger,
		settings:   settings,
		trx:        trx,
		engine:     engine,
		router:     rt,
		store:      store,
		correlator: correlator,
		macros:     macros,
		jobs:       jobs,
		plugins:    NewPluginRegistry(settings.PluginListPath, nil),
		ctx:        ctx,
		cancel:     cancel,
		fatal:      make(chan error, 1),
	}, nil
}

// Accessors used by transports and tests
func (d *Daemon) Store() *model.Store         { return d.store }
func (d *Daemon) Router() *router.Router      { return d.router }
func (d *Daemon) Jobs() *job.Executor         { return d.jobs }
func (d *Daemon) Engine() *transfer.Engine    { return d.engine }
func (d *Daemon) Plugins() *PluginRegistry    { return d.plugins }
func (d *Daemon) Macros() *channel.MacroStack { return d.macros }

// Start connects the transceiver and launches the background
// services. The transfer engine gets a dedicated OS thread.
func (d *Daemon) Start() error {
	if err := d.trx.Connect(); err != nil {
		return fmt.Errorf("could not connect transceiver : %w", err)
	}
	if err := d.plugins.Load(); err != nil {
		d.logger.Warnf("could not restore plugin list : %v", err)
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		err := d.engine.Run(d.ctx)
		if err != nil {
			d.fatal <- err
		}
	}()

	go d.sweep()

	// Ask for a full model mirror and run the startup config, the
	// trigger channel sources it like any other macro
	d.router.RequestObjectModel("")
	if err := d.macros.Push(codes.ChannelTrigger, channel.ConfigFile, 0); err != nil {
		d.logger.Debugf("no startup config : %v", err)
	}

	d.logger.Info("daemon started")
	return nil
}

// sweep reclaims timed out codes
func (d *Daemon) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if reclaimed := d.correlator.SweepExpired(now); reclaimed > 0 {
				d.logger.Warnf("reclaimed %v timed out codes", reclaimed)
			}
		}
	}
}

// Wait blocks until shutdown or a fatal error and returns the process
// exit code
func (d *Daemon) Wait() int {
	select {
	case err := <-d.fatal:
		d.logger.Errorf("fatal : %v", err)
		d.Shutdown()
		return ExitLinkFailure
	case <-d.ctx.Done():
		return ExitOk
	}
}

// Shutdown stops all services and persists the plugin list
func (d *Daemon) Shutdown() {
	d.router.SendMessage(codes.Info, "SBC disconnecting")
	d.cancel()
	if err := d.plugins.Save(); err != nil {
		d.logger.Warnf("could not persist plugin list : %v", err)
	}
	d.trx.Disconnect()
	d.logger.Info("daemon stopped")
}
