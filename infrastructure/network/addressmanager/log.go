package addressmanager

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/util/panics"
)

var log = logger.RegisterSubSystem("ADDR")
var spawn = panics.GoroutineWrapperFunc(log)
