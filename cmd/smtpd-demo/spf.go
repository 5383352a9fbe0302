package main

import (
	"net"

	"github.com/gopistolet/gospf"
	"github.com/sirupsen/logrus"
)

// checkSenderSPF demonstrates the policy check an embedder would layer
// on top of smtpd.Server: the server itself never verifies SPF, but a
// host can check it independently, e.g. from an accept-time IP log,
// before deciding whether to surface a message to its own downstream
// pipeline.
func checkSenderSPF(log logrus.FieldLogger, remoteIP net.IP, heloDomain, from string) bool {
	result, err := gospf.CheckHost(remoteIP, heloDomain, from)
	if err != nil {
		log.WithError(err).Warn("spf: check failed, treating as neutral")
		return true
	}
	log.WithFields(logrus.Fields{
		"remote_ip": remoteIP.String(),
		"helo":      heloDomain,
		"from":      from,
		"result":    result,
	}).Info("spf: checked sender")
	return result == gospf.Pass
}
