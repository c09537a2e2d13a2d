// internal/workers/analysis/run-analysis/config.go
package runanalysis

import "time"

// jobLeaseMargin is kept free at the end of a Zeebe job lease for sandbox
// teardown, run bookkeeping and the complete command.
const jobLeaseMargin = time.Minute

type Config struct {
	// Timeout is the overall ceiling for one analysis, sandbox teardown excluded.
	// It must stay below the job timeout or Zeebe hands the job out again.
	Timeout time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Timeout: TimeoutWithin(15 * time.Minute),
	}
}

// TimeoutWithin derives the analysis ceiling from the job timeout the worker
// activates with. Short leases keep three quarters for the analysis.
func TimeoutWithin(jobTimeout time.Duration) time.Duration {
	switch {
	case jobTimeout <= 0:
		return 14 * time.Minute
	case jobTimeout > 4*jobLeaseMargin:
		return jobTimeout - jobLeaseMargin
	default:
		return jobTimeout * 3 / 4
	}
}
