package main

import (
	"github.com/docker/go-plugins-helpers/sdk"
	"github.com/sirupsen/logrus"

	"github.com/IBM/docker-logdna/driver"
)

// socketName resolves to /run/docker/plugins/logdna.sock.
const socketName = "logdna"

func main() {
	h := sdk.NewHandler(`{"Implements": ["LogDriver"]}`)
	d := driver.New()
	d.RegisterHandlers(h)

	logrus.WithField("socket", socketName).Info("starting logdna log driver plugin")
	if err := h.ServeUnix(socketName, 0); err != nil {
		logrus.WithError(err).Fatal("plugin server failed")
	}
}
