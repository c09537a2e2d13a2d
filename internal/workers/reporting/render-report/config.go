// internal/workers/reporting/render-report/config.go
package renderreport

import "time"

type Config struct {
	Timeout       time.Duration
	PresignExpiry time.Duration
	ChromePath    string
	PaperWidth    float64 // inches
	PaperHeight   float64 // inches
}

func LoadConfig() *Config {
	return &Config{
		Timeout:       2 * time.Minute,
		PresignExpiry: 7 * 24 * time.Hour,
		PaperWidth:    8.27,
		PaperHeight:   11.69,
	}
}
