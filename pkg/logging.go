package romtools

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const serviceLogName = "romtools.log"

// NewLogger writes to stderr, and to a rotating file under LogDir when one
// is configured.
func NewLogger(config ServerConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if config.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var out io.Writer = os.Stderr
	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0755); err != nil {
			log.WithError(err).Warn("Log directory unavailable, logging to stderr only")
		} else {
			out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   filepath.Join(config.LogDir, serviceLogName),
				MaxSize:    10, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			})
		}
	}
	log.SetOutput(out)
	return log
}
