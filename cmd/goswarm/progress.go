package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func (p *fetchProgress) print(final bool) {
	current := p.written.Load()
	elapsed := time.Since(p.started)

	percent := 0.0
	if p.total > 0 {
		percent = float64(current) / float64(p.total) * 100
	}
	if percent > 100 {
		percent = 100
	}

	speed := 0.0
	if elapsed.Seconds() > 0 {
		speed = float64(current) / elapsed.Seconds()
	}

	var timeLabel, timeValue, speedLabel string

	if final {
		speedLabel = "Avg"
		timeLabel = "Time"
		timeValue = elapsed.Round(time.Second).String()
	} else {
		speedLabel = "Speed"
		timeLabel = "ETA"
		remaining := p.total - current
		if speed > 0 && remaining > 0 {
			timeValue = time.Duration(float64(remaining) / speed * float64(time.Second)).Round(time.Second).String()
		} else {
			timeValue = "--"
		}
	}

	fmt.Printf("\r[%s] %5.1f%% | %s: %8s/s | %s: %-7s | %s/%s      ",
		bar(percent),
		percent,
		speedLabel,
		humanize.IBytes(uint64(speed)),
		timeLabel,
		timeValue,
		humanize.IBytes(uint64(current)),
		humanize.IBytes(uint64(p.total)),
	)
}

func bar(percent float64) string {
	const width = 20
	completed := int((percent / 100) * float64(width))
	if completed > width {
		completed = width
	}

	b := strings.Repeat("=", completed)
	if completed < width {
		b += ">" + strings.Repeat(" ", width-completed-1)
	}
	return b
}
