package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	sourceKey   = "source"
	fallbackDir = "shelf/"
)

// ContextHook adds the caller's source location to every entry
type ContextHook struct {
	goModuleName string
}

// NewContextHook instantiate a new context hook
func NewContextHook() *ContextHook {
	hook := &ContextHook{}
	hook.goModuleName = hook.moduleName() + "/"
	return hook
}

// Levels set the supported levels for this hook
func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire extend with the source information the entry.Data
func (hook ContextHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	src := hook.parseSrc(entry.Caller.File)
	entry.Data[sourceKey] = fmt.Sprintf("%s:%v", src, entry.Caller.Line)
	return nil
}

func (hook ContextHook) moduleName() string {
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Path != "" {
		return info.Main.Path
	}

	return "shelf"
}

func (hook ContextHook) parseSrc(filePath string) string {
	parts := strings.SplitAfter(filePath, hook.goModuleName)
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	// checked out without the module path, e.g. a fork
	parts = strings.SplitAfter(filePath, fallbackDir)
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	_, pkg := path.Split(path.Dir(filePath))
	file := path.Base(filePath)
	return fmt.Sprintf("%s/%s", pkg, file)
}
