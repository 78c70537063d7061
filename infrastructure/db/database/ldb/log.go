package ldb

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
)

var log = logger.RegisterSubSystem("KVDB")
