package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// DatasetKey is where an uploaded CSV lives.
func DatasetKey(userID, messageID string) string {
	return path.Join("datasets", sanitize(userID), sanitize(messageID)+".csv")
}

// ChartKey numbers charts from 1 in display order.
func ChartKey(runID string, n int) string {
	return path.Join("charts", sanitize(runID), fmt.Sprintf("chart-%d.png", n))
}

func ReportKey(userID string, at time.Time) string {
	return path.Join("reports", fmt.Sprintf("%s-%d.pdf", sanitize(userID), at.UnixMilli()))
}

// sanitize keeps keys within one path segment.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}
