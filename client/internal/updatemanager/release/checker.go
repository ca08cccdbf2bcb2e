package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shelfapp/shelf/version"
)

const (
	maxFeedSize  = 1 << 20
	fetchRetries = 3
)

var (
	// ErrNoRelease means the feed has no published release.
	ErrNoRelease = errors.New("no release published")
	// ErrMalformedFeed means the feed answer could not be interpreted.
	ErrMalformedFeed = errors.New("malformed release feed")
)

type feedRelease struct {
	TagName string  `json:"tag_name"`
	HTMLURL string  `json:"html_url"`
	Body    string  `json:"body"`
	Assets  []Asset `json:"assets"`
}

// Checker fetches the latest release from a GitHub style "latest release" endpoint.
type Checker struct {
	feedURL        string
	currentVersion string
	platformTag    string

	httpClient   *http.Client
	initialDelay time.Duration

	group singleflight.Group
	cache *cache.Cache
}

// NewChecker creates a checker for the running version.
func NewChecker(feedURL, currentVersion, platformTag string) *Checker {
	return &Checker{
		feedURL:        feedURL,
		currentVersion: currentVersion,
		platformTag:    platformTag,
		httpClient:     http.DefaultClient,
		initialDelay:   500 * time.Millisecond,
	}
}

// WithHTTPClient replaces the client used for feed requests.
func (c *Checker) WithHTTPClient(client *http.Client) *Checker {
	c.httpClient = client
	return c
}

// WithCache keeps a successful feed answer for ttl. A non-positive ttl disables caching.
func (c *Checker) WithCache(ttl time.Duration) *Checker {
	if ttl <= 0 {
		c.cache = nil
		return c
	}
	c.cache = cache.New(ttl, 2*ttl)
	return c
}

// WithRetryDelay sets the first backoff interval between feed attempts.
func (c *Checker) WithRetryDelay(d time.Duration) *Checker {
	c.initialDelay = d
	return c
}

// Check never returns an error: failures are reported as CantCheck.
func (c *Checker) Check(ctx context.Context) Result {
	info, err := c.latest(ctx)
	if err != nil {
		log.Warnf("can't check for update: %v", err)
		return Result{Status: CantCheck, Reason: err}
	}

	if info.Version == c.currentVersion {
		log.Debugf("running version %s is the latest release", c.currentVersion)
		return Result{Status: NoUpdate}
	}

	log.Infof("new release available: %s (running %s)", info.Version, c.currentVersion)
	return Result{Status: NewUpdate, Release: info}
}

func (c *Checker) latest(ctx context.Context) (*Info, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(c.feedURL); ok {
			return cached.(*Info), nil
		}
	}

	v, err, shared := c.group.Do(c.feedURL, func() (any, error) {
		return c.fetchWithRetry(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Tracef("release check shared with a concurrent caller")
	}

	info := v.(*Info)
	if c.cache != nil {
		c.cache.SetDefault(c.feedURL, info)
	}
	return info, nil
}

func (c *Checker) fetchWithRetry(ctx context.Context) (*Info, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialDelay
	bo := backoff.WithContext(backoff.WithMaxRetries(exp, fetchRetries), ctx)

	var info *Info
	operation := func() error {
		var err error
		info, err = c.fetch(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debugf("release feed request failed, retrying in %v: %v", next, err)
	}

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Checker) fetch(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create feed request: %w", err))
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("request release feed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnf("error closing response body: %v", err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrNoRelease)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("release feed status: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("release feed status: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("read release feed: %w", err)
	}

	return c.parse(body)
}

func (c *Checker) parse(body []byte) (*Info, error) {
	var rel feedRelease
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedFeed, err))
	}
	if rel.TagName == "" {
		return nil, backoff.Permanent(ErrNoRelease)
	}

	asset, ok := SelectAsset(rel.Assets, c.platformTag)
	if !ok {
		return nil, backoff.Permanent(fmt.Errorf("%w: release %s has no assets", ErrMalformedFeed, rel.TagName))
	}

	return &Info{
		Version:         rel.TagName,
		DownloadURL:     asset.URL,
		ReleaseNotesURL: rel.HTMLURL,
		Notes:           rel.Body,
		Assets:          rel.Assets,
	}, nil
}
