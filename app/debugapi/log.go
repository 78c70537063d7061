package debugapi

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
)

var log = logger.RegisterSubSystem("DAPI")
