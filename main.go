// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Gnutd is a Gnutella servent that keeps itself connected to the network as
// a leaf or an ultrapeer and routes messages between its connected hosts.
package main

import (
	"os"

	"github.com/gnutd/gnutd/app"
)

func main() {
	err := app.StartApp()
	if err != nil {
		os.Exit(1)
	}
}
