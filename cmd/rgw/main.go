// Command rgw runs the Realm Gateway: a DNS-driven NAT gateway that
// allocates public addresses from a shared pool on DNS query and steers
// the first matching inbound packet to a private host.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("rgw exited with error")
		os.Exit(1)
	}
}
