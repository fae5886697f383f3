package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	level := strings.ToLower(os.Getenv("LOGLEVEL"))
	if level == "production" || strings.ToLower(os.Getenv("LOGFORMAT")) == "json" {
		log.Formatter = new(logrus.JSONFormatter)
	}

	log.SetReportCaller(level == "trace")
}

func GetLogger() *logrus.Logger {
	switch strings.ToLower(os.Getenv("LOGLEVEL")) {
	case "trace":
		log.Level = logrus.TraceLevel
	case "error":
		log.Level = logrus.ErrorLevel
	case "warn":
		log.Level = logrus.WarnLevel
	case "info", "production":
		log.Level = logrus.InfoLevel
	default:
		log.Level = logrus.DebugLevel
	}

	return log
}

// Component returns an entry tagged with the component prefix.
func Component(name string) *logrus.Entry {
	return GetLogger().WithField("prefix", name)
}
