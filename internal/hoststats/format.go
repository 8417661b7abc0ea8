package hoststats

import "fmt"

// FormatUptime renders seconds as "Xh Ym".
func FormatUptime(seconds uint64) string {
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

// FormatMinutes renders a positive minute count as "Xh Ym" and anything
// else as "Unknown".
func FormatMinutes(minutes float64) string {
	if minutes <= 0 {
		return "Unknown"
	}
	m := int(minutes)
	return fmt.Sprintf("%dh %dm", m/60, m%60)
}
