package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gnutd/gnutd/app/debugapi"
	"github.com/gnutd/gnutd/app/protocol"
	"github.com/gnutd/gnutd/infrastructure/config"
	"github.com/gnutd/gnutd/infrastructure/db/database"
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/infrastructure/metrics"
	"github.com/gnutd/gnutd/infrastructure/network/addressmanager"
	"github.com/gnutd/gnutd/infrastructure/network/bootstrap"
	"github.com/gnutd/gnutd/infrastructure/network/connmanager"
	"github.com/gnutd/gnutd/infrastructure/network/flowcontrol"
	"github.com/gnutd/gnutd/infrastructure/network/host"
	"github.com/gnutd/gnutd/infrastructure/network/messagerouter"
	"github.com/gnutd/gnutd/util/panics"
	"github.com/gnutd/gnutd/version"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	debugServerShutdownTimeout = 10 * time.Second
	slowShutdownWarning        = 30 * time.Second
)

// ComponentManager is a wrapper for all the gnutd services
type ComponentManager struct {
	cfg               *config.Config
	db                database.Database
	validator         *addressmanager.Validator
	hostCache         *addressmanager.CaughtHostCache
	router            *messagerouter.Router
	sendPool          *workerpool.WorkerPool
	connectionManager *connmanager.ConnectionManager
	protocolManager   *protocol.Manager
	bootstrapper      *bootstrap.Bootstrapper
	cacheAnnouncer    *cacheAnnouncer
	debugServer       *http.Server

	started, shutdown int32
}

// Start launches all the gnutd services.
func (a *ComponentManager) Start() {
	// Already started?
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Trace("Starting gnutd")

	err := a.hostCache.Load()
	if err != nil {
		log.Errorf("Error loading the caught hosts: %+v", err)
	}
	a.hostCache.Start()

	if a.bootstrapper != nil {
		err := a.bootstrapper.Start()
		if err != nil {
			log.Errorf("Error loading the GWebCache endpoints: %+v", err)
		}
		a.cacheAnnouncer.start()
	}

	a.protocolManager.Start()

	err = a.connectionManager.Start()
	if err != nil {
		panics.Exit(log, fmt.Sprintf("Error starting the connection manager: %+v", err))
	}

	if a.debugServer != nil {
		a.startDebugServer()
	}
}

func (a *ComponentManager) startDebugServer() {
	log.Infof("Debug API listening on %s", a.debugServer.Addr)
	spawn("ComponentManager.startDebugServer", func() {
		err := a.debugServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Debug API server failed: %s", err)
		}
	})
}

// Stop gracefully shuts down all the gnutd services.
func (a *ComponentManager) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Infof("Gnutd is already in the process of shutting down")
		return nil
	}

	log.Warnf("Gnutd shutting down")
	onEnd := logger.LogAndMeasureExecutionTime(log, "ComponentManager.Stop", slowShutdownWarning)
	defer onEnd()

	var result error
	if a.debugServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), debugServerShutdownTimeout)
		err := a.debugServer.Shutdown(ctx)
		cancel()
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "error stopping the debug API"))
		}
	}

	a.connectionManager.Stop()
	a.protocolManager.Close()

	if a.bootstrapper != nil {
		a.cacheAnnouncer.stop()
		err := a.bootstrapper.Stop()
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "error saving the GWebCache endpoints"))
		}
	}

	err := a.hostCache.Stop()
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "error saving the caught hosts"))
	}

	err = storeSessionUptime(a.db, a.connectionManager.RoleManager().SessionUptime())
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "error storing the session uptime"))
	}

	a.sendPool.StopWait()
	return result
}

// HostConnected registers the address this node is reachable at, learned
// from the handshake, and passes the host on to the protocol manager.
func (a *ComponentManager) HostConnected(h *host.Host) {
	if local := a.connectionManager.LocalAddress(); local != nil {
		a.validator.AddLocalAddress(local)
	}
	a.protocolManager.HostConnected(h)
}

// HostDisconnected passes the host on to the protocol manager.
func (a *ComponentManager) HostDisconnected(h *host.Host) {
	a.protocolManager.HostDisconnected(h)
}

// NewComponentManager returns a new ComponentManager instance.
// Use Start() to begin all services within this ComponentManager
func NewComponentManager(cfg *config.Config, db database.Database) (*ComponentManager, error) {
	profile := cfg.NetworkProfile()

	filter, err := addressmanager.NewIPAccessFilter(cfg.DeniedIPs, cfg.StronglyDeniedIPs)
	if err != nil {
		return nil, err
	}
	validator := addressmanager.NewValidator(filter, cfg.AllowPrivate)
	hostCache := addressmanager.New(newHostCacheConfig(cfg), validator, newHostStore(cfg, db))

	serventID, err := loadServentID(db)
	if err != nil {
		return nil, err
	}
	router := messagerouter.New(messagerouter.DefaultConfig(), serventID)

	sendPool := workerpool.New(runtime.NumCPU())
	hostConfig := &host.Config{
		FlowControl:  flowcontrol.ApplyPolicyOverrides(flowcontrol.DefaultClassConfigs(), cfg.FlowPolicyOverrides),
		WriteTimeout: cfg.ReadTimeout(),
		Metrics:      host.NewMetrics(),
	}

	connectionManager, err := connmanager.New(newConnectionManagerConfig(cfg), hostCache, router, cfg,
		filter, hostConfig, sendPool)
	if err != nil {
		sendPool.Stop()
		return nil, err
	}

	averageUptime, err := loadAverageUptime(db)
	if err != nil {
		sendPool.Stop()
		return nil, err
	}
	connectionManager.RoleManager().SetAverageDailyUptime(averageUptime)

	protocolConfig := protocol.DefaultConfig()
	protocolConfig.MaxNetworkTTL = cfg.MaxNetworkTTL()
	protocolConfig.Speed = uint32(cfg.UpstreamKBps * 8)
	protocolManager, err := protocol.NewManager(protocolConfig, router, connectionManager, hostCache)
	if err != nil {
		sendPool.Stop()
		return nil, err
	}

	a := &ComponentManager{
		cfg:               cfg,
		db:                db,
		validator:         validator,
		hostCache:         hostCache,
		router:            router,
		sendPool:          sendPool,
		connectionManager: connectionManager,
		protocolManager:   protocolManager,
	}
	connectionManager.SetHostListener(a)

	collectors := []metrics.Collector{router, connectionManager, hostConfig.Metrics, protocolManager}

	if !cfg.DisableBootstrap {
		bootstrapConfig := bootstrap.DefaultConfig()
		bootstrapConfig.EndpointsFile = filepath.Join(cfg.DataDir, profile.EndpointsFilename)
		bootstrapConfig.Seeds = append(append([]string{}, cfg.GWebCaches...), bootstrapConfig.Seeds...)
		bootstrapConfig.UDPHostCaches = cfg.UDPHostCaches
		bootstrapConfig.ClientID = version.VendorCode
		bootstrapConfig.Version = version.Version()

		a.bootstrapper = bootstrap.New(bootstrapConfig, hostCache)
		a.cacheAnnouncer = newCacheAnnouncer(a.bootstrapper, connectionManager, defaultCacheAnnounceInterval)
		connectionManager.SetBootstrapper(a.bootstrapper)
		collectors = append(collectors, a.bootstrapper)
	}

	if cfg.DebugListen != "" {
		debugService, err := debugapi.New(connectionManager, hostCache, profile.DefaultPort, collectors...)
		if err != nil {
			sendPool.Stop()
			return nil, err
		}
		a.debugServer = &http.Server{
			Addr:              cfg.DebugListen,
			Handler:           debugService,
			ReadHeaderTimeout: cfg.ReadTimeout(),
		}
	}

	return a, nil
}

func newHostCacheConfig(cfg *config.Config) *addressmanager.Config {
	hostCacheConfig := addressmanager.DefaultConfig()
	hostCacheConfig.MaxReadyHosts = cfg.MaxReadyHosts
	hostCacheConfig.MaxReputationHosts = cfg.MaxReputationHosts
	return hostCacheConfig
}

func newHostStore(cfg *config.Config, db database.Database) addressmanager.Store {
	if cfg.HostsStore == config.HostsStoreFile {
		return addressmanager.NewFileStore(filepath.Join(cfg.DataDir, cfg.NetworkProfile().HostsFilename))
	}
	return addressmanager.NewDatabaseStore(db)
}

func newConnectionManagerConfig(cfg *config.Config) *connmanager.Config {
	connectionConfig := connmanager.DefaultConfig()

	role := &connectionConfig.Role
	role.Leaf2UpConnections = cfg.Leaf2Up
	role.Up2UpConnections = cfg.Up2Up
	role.Up2LeafConnections = cfg.Up2Leaf
	role.MaxConnectAttempts = cfg.MaxConnectAttempts
	role.AllowUltrapeer = !cfg.DisableUltrapeer
	role.UpstreamKBps = cfg.UpstreamKBps
	role.DownstreamKBps = cfg.DownstreamKBps
	role.MinUltrapeerUptime = cfg.MinUltrapeerUptime

	connectionConfig.Handshake.ProtocolName = cfg.NetworkProfile().ProtocolName
	connectionConfig.Handshake.Timeout = cfg.ConnectTimeout
	connectionConfig.Handshake.AllowDeflate = !cfg.NoDeflate

	connectionConfig.Listeners = cfg.Listeners
	connectionConfig.MaxIncoming = cfg.MaxIncoming
	connectionConfig.AcceptRate = cfg.AcceptRate
	connectionConfig.Dial = cfg.Dial
	connectionConfig.ConnectTimeout = cfg.ConnectTimeout
	connectionConfig.ConnectPeers = cfg.ConnectPeers
	connectionConfig.AddPeers = cfg.AddPeers
	return connectionConfig
}
