package formatter

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Set installs the named formatter and the source hook on logger.
func Set(logger *logrus.Logger, format string) error {
	switch format {
	case FormatText, "":
		logger.Formatter = NewTextFormatter()
	case FormatJSON:
		logger.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	logger.ReportCaller = true
	logger.AddHook(NewContextHook())
	return nil
}
