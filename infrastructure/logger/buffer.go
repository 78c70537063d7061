package logger

import (
	"bytes"
	"sync"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, normalLogSize))
	},
}

func buffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func recycleBuffer(b *bytes.Buffer) {
	b.Reset()
	bufferPool.Put(b)
}
