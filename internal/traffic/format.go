// Package traffic follows the core's traffic stream, keeps per-day
// statistics and renders human readable rates and totals.
package traffic

import "fmt"

// Data is an upload/download pair, either bytes per second or a byte total.
type Data struct {
	Upload   int64 `json:"upload" yaml:"upload"`
	Download int64 `json:"download" yaml:"download"`
}

// Add returns d plus other.
func (d Data) Add(other Data) Data {
	return Data{Upload: d.Upload + other.Upload, Download: d.Download + other.Download}
}

// Sum returns upload plus download.
func (d Data) Sum() int64 {
	return d.Upload + d.Download
}

// IsZero reports whether both directions are zero.
func (d Data) IsZero() bool {
	return d.Upload == 0 && d.Download == 0
}

const byteUnits = "KMGTPE"

// FormatBytes renders n with a binary unit and one decimal, e.g. "1.5 MB".
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	exp := 0
	for value >= 1024 && exp < len(byteUnits) {
		value /= 1024
		exp++
	}
	return fmt.Sprintf("%.1f %cB", value, byteUnits[exp-1])
}

// FormatSpeed renders a bytes-per-second rate, e.g. "1.5 MB/s".
func FormatSpeed(bytesPerSecond int64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return FormatBytes(bytesPerSecond) + "/s"
}

// NotificationText is the one-line status shown while connected:
// current rates and the session total.
func NotificationText(now, total Data) string {
	return fmt.Sprintf("↓ %s ↑ %s | Total %s",
		FormatSpeed(now.Download), FormatSpeed(now.Upload), FormatBytes(total.Sum()))
}

// Notification returns the status title and text for profileName.
func Notification(profileName string, now, total Data) (title, text string) {
	if profileName == "" {
		profileName = "unknown profile"
	}
	return "Connected: " + profileName, NotificationText(now, total)
}
