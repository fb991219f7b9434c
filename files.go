/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"strconv"
)

// humanReadableSize formats n bytes using SI units.
func humanReadableSize(n int64) string {
	const unit = 1000
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}

	const suffixes = "kMGTPE"

	value := float64(n)
	i := -1
	for value >= unit && i < len(suffixes)-1 {
		value /= unit
		i++
	}

	return fmt.Sprintf("%.1f %cB", value, suffixes[i])
}
