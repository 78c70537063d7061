package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gnutd/gnutd/infrastructure/config"
	"github.com/gnutd/gnutd/infrastructure/db/database"
	"github.com/gnutd/gnutd/infrastructure/db/database/ldb"
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/infrastructure/os/signal"
	"github.com/gnutd/gnutd/infrastructure/os/winservice"
	"github.com/gnutd/gnutd/util/panics"
	"github.com/gnutd/gnutd/version"
)

const (
	leveldbCacheSizeMiB = 64
	defaultDataDirname  = "db"
	shutdownTimeout     = 2 * time.Minute
)

var serviceDescription = &winservice.ServiceDescription{
	Name:        "gnutdsvc",
	DisplayName: "Gnutd Service",
	Description: "Keeps a Gnutella servent connected to the network.",
}

type gnutdApp struct {
	cfg *config.Config
}

// StartApp starts the gnutd app, and blocks until it finishes running
func StartApp() error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logger.BackendLog.Close()
	defer panics.HandlePanic(log, "MAIN", nil)

	app := &gnutdApp{cfg: cfg}

	// Call serviceMain on Windows to handle running as a service. When
	// the return isService flag is true, exit now since we ran as a
	// service. Otherwise, just fall through to normal operation.
	if runtime.GOOS == "windows" {
		isService, err := winservice.WinServiceMain(app.main, serviceDescription, cfg)
		if err != nil {
			return err
		}
		if isService {
			return nil
		}
	}

	return app.main(nil)
}

func (app *gnutdApp) main(startedChan chan<- struct{}) error {
	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the service manager.
	interrupt := signal.InterruptListener()
	defer log.Info("Shutdown complete")

	// Show version at startup.
	log.Infof("Version %s", version.Version())
	log.Infof("Joining the %s network", app.cfg.NetworkProfile().Name)

	// Return now if an interrupt signal was triggered.
	if signal.InterruptRequested(interrupt) {
		return nil
	}

	db, err := openDB(app.cfg)
	if err != nil {
		log.Errorf("Loading database failed: %+v", err)
		return err
	}
	defer func() {
		log.Infof("Gracefully shutting down the database...")
		err := db.Close()
		if err != nil {
			log.Errorf("Failed to close the database: %s", err)
		}
	}()

	componentManager, err := NewComponentManager(app.cfg, db)
	if err != nil {
		log.Errorf("Unable to start gnutd: %+v", err)
		return err
	}

	defer func() {
		log.Infof("Gracefully shutting down gnutd...")

		shutdownDone := make(chan struct{})
		spawn("componentManager.Stop", func() {
			err := componentManager.Stop()
			if err != nil {
				log.Errorf("Error during shutdown: %s", err)
			}
			close(shutdownDone)
		})

		select {
		case <-shutdownDone:
		case <-time.After(shutdownTimeout):
			log.Criticalf("Graceful shutdown timed out %s. Terminating...", shutdownTimeout)
		}
		log.Infof("Gnutd shutdown complete")
	}()

	componentManager.Start()

	if startedChan != nil {
		startedChan <- struct{}{}
	}

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems such as the
	// service manager.
	<-interrupt
	return nil
}

// dbPath returns the path to the node state database.
func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, defaultDataDirname)
}

func openDB(cfg *config.Config) (database.Database, error) {
	path := dbPath(cfg)

	isVersionFileExists, err := checkDatabaseVersion(path)
	if err != nil {
		return nil, err
	}

	log.Infof("Loading database from '%s'", path)
	db, err := ldb.NewLevelDB(path, leveldbCacheSizeMiB)
	if err != nil {
		return nil, err
	}

	if !isVersionFileExists {
		err := createDatabaseVersionFile(path)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
