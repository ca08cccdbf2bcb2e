package version

import (
	"fmt"
	"runtime"
)

// will be replaced with the release version when using goreleaser
var version = "development"

// AppVersion returns the running application version tag. Release builds set it
// through -ldflags "-X github.com/shelfapp/shelf/version.version=<tag>".
func AppVersion() string {
	return version
}

// UserAgent is sent with every feed and package request.
func UserAgent() string {
	return fmt.Sprintf("shelf-updater/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}
