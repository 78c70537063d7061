package flowcontrol

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
)

var log = logger.RegisterSubSystem("FLOW")
