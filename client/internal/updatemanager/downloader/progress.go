package downloader

import (
	"time"

	"golang.org/x/time/rate"
)

// Progress tracks a single transfer and emits monotonic, rate-limited percentages.
type Progress struct {
	BytesRead  int64
	TotalBytes int64

	lastPercent int
	emit        ProgressFunc
	limiter     *rate.Sometimes
}

func newProgress(total int64, interval time.Duration, emit ProgressFunc) *Progress {
	p := &Progress{
		TotalBytes:  total,
		lastPercent: -1,
		emit:        emit,
	}
	// a zero Sometimes only fires once, so no interval means no limiter
	if interval > 0 {
		p.limiter = &rate.Sometimes{Interval: interval}
	}
	return p
}

// Percent is the completed share of the body, 0 when the size is unknown.
func (p *Progress) Percent() int {
	if p.TotalBytes <= 0 {
		return 0
	}
	percent := int(p.BytesRead * 100 / p.TotalBytes)
	if percent > 100 {
		return 100
	}
	return percent
}

// Write counts bytes and never fails.
func (p *Progress) Write(b []byte) (int, error) {
	p.BytesRead += int64(len(b))

	if p.emit == nil || p.TotalBytes <= 0 {
		return len(b), nil
	}

	percent := p.Percent()
	if percent <= p.lastPercent {
		return len(b), nil
	}

	if p.limiter == nil {
		p.report(percent)
		return len(b), nil
	}

	p.limiter.Do(func() { p.report(percent) })
	return len(b), nil
}

func (p *Progress) report(percent int) {
	p.lastPercent = percent
	p.emit(percent)
}
