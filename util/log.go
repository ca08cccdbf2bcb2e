package util

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shelfapp/shelf/formatter"
)

const consoleLog = "console"

// InitLog parses and sets log-level input. logFormat is "text" or "json".
func InitLog(logLevel, logPath, logFormat string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != consoleLog {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	if err := formatter.Set(log.StandardLogger(), logFormat); err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}
