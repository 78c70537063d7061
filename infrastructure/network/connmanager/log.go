package connmanager

import (
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/util/panics"
)

var log = logger.RegisterSubSystem("CMGR")
var spawn = panics.GoroutineWrapperFunc(log)
var spawnAfter = panics.AfterFuncWrapperFunc(log)
