package bootstrap

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/util/panics"
)

var log = logger.RegisterSubSystem("BOOT")
var spawn = panics.GoroutineWrapperFunc(log)
