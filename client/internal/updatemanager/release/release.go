// Package release queries the release feed and decides whether an update exists.
package release

import (
	"runtime"
	"slices"
	"strings"
)

// Asset is one downloadable package of a release, tagged by platform in its name.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

// Info describes the latest release. Version is an opaque tag compared by equality.
type Info struct {
	Version         string
	DownloadURL     string
	ReleaseNotesURL string
	Notes           string
	Assets          []Asset
}

// Status classifies a check.
type Status int

const (
	NoUpdate Status = iota
	NewUpdate
	CantCheck
)

func (s Status) String() string {
	switch s {
	case NoUpdate:
		return "no-update"
	case NewUpdate:
		return "new-update"
	case CantCheck:
		return "cant-check"
	default:
		return "unknown"
	}
}

// Result is the outcome of a check. Release is set for NewUpdate, Reason for CantCheck.
type Result struct {
	Status  Status
	Release *Info
	Reason  error
}

// DefaultPlatformTag is the architecture name used to pick an asset.
func DefaultPlatformTag() string {
	return runtime.GOARCH
}

// SelectAsset returns the first asset whose name carries platformTag as a whole
// token, names and tags being split on '-', '_' and '.'. When no asset matches
// it falls back to the first asset, so an unknown tag never fails a check on
// its own. ok is false only for an empty list.
func SelectAsset(assets []Asset, platformTag string) (Asset, bool) {
	if len(assets) == 0 {
		return Asset{}, false
	}

	if platformTag != "" {
		for _, a := range assets {
			if hasTokens(a.Name, platformTag) {
				return a, true
			}
		}
	}

	return assets[0], true
}

func hasTokens(name, tag string) bool {
	want := tokens(tag)
	if len(want) == 0 {
		return false
	}
	have := tokens(name)
	for i := 0; i+len(want) <= len(have); i++ {
		if slices.Equal(have[i:i+len(want)], want) {
			return true
		}
	}
	return false
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
}
