package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidPort reports whether port is in the range the relay accepts
func ValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// ReadPortFile returns the port stored in path. A missing, unreadable or
// out-of-range file yields DefaultPort with a warning.
func ReadPortFile(path string) int {
	log := logrus.WithFields(logrus.Fields{
		"component": "config",
		"file":      path,
	})

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("default", DefaultPort).Warn("Port file unreadable, using default port")
		return DefaultPort
	}

	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		log.WithField("default", DefaultPort).Warn("Port file is not a number, using default port")
		return DefaultPort
	}

	if !ValidPort(port) {
		log.WithFields(logrus.Fields{
			"port":    port,
			"default": DefaultPort,
		}).Warn("Port out of range, using default port")
		return DefaultPort
	}

	return port
}
