package winservice

import (
	"github.com/btcsuite/winsvc/svc"
	"github.com/gnutd/gnutd/infrastructure/config"
	"github.com/pkg/errors"
)

// serviceMain reports whether gnutd ran as a Windows service, in which case
// the caller exits instead of launching in interactive mode. Performing a
// --service command counts as running as a service.
func serviceMain(main MainFunc, description *ServiceDescription, cfg *config.Config) (isService bool, err error) {
	service := newService(main, description, cfg)

	if cfg.ServiceOptions != nil && cfg.ServiceOptions.ServiceCommand != "" {
		command := cfg.ServiceOptions.ServiceCommand
		err := service.performServiceCommand()
		if err != nil {
			return true, errors.Wrapf(err, "service command %s failed", command)
		}
		log.Infof("Service command %s completed for %s", command, description.Name)
		return true, nil
	}

	isInteractive, err := svc.IsAnInteractiveSession()
	if err != nil {
		return false, errors.Wrap(err, "failed to determine whether gnutd runs interactively")
	}
	if isInteractive {
		return false, nil
	}

	log.Infof("Running as the %s service", description.Name)
	return true, service.Start()
}

func init() {
	WinServiceMain = serviceMain
}
