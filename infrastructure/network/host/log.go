package host

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/util/panics"
)

var log = logger.RegisterSubSystem("HOST")
var spawn = panics.GoroutineWrapperFunc(log)
