package winservice

import "github.com/gnutd/gnutd/infrastructure/config"

// Commands accepted by --service.
const (
	CommandInstall = "install"
	CommandRemove  = "remove"
	CommandStart   = "start"
	CommandStop    = "stop"
)

// ServiceDescription names the service in the service control manager and
// the event log.
type ServiceDescription struct {
	Name        string
	DisplayName string
	Description string
}

// MainFunc runs the node until it is interrupted. startedChan, when not
// nil, is notified once the node is started.
type MainFunc func(startedChan chan<- struct{}) error

// WinServiceMain runs gnutd as a windows service, or performs the command
// given with --service. It returns true when the process was run as a
// service, in which case the caller must exit. It does nothing outside of
// windows.
var WinServiceMain = func(MainFunc, *ServiceDescription, *config.Config) (bool, error) { return false, nil }
