package config

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
)

var log = logger.RegisterSubSystem("CNFG")
