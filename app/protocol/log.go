package protocol

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/util/panics"
)

var log = logger.RegisterSubSystem("PROT")
var spawn = panics.GoroutineWrapperFunc(log)
