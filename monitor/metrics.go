package monitor

import "time"

// OpMetrics describes one completed service operation.
type OpMetrics struct {
	Op       string        `json:"op"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Results  int           `json:"results"`
}

// OpSummary aggregates every recorded call of one operation.
type OpSummary struct {
	Op            string        `json:"op"`
	Calls         int           `json:"calls"`
	Errors        int           `json:"errors"`
	Results       int           `json:"results"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastError     string        `json:"last_error,omitempty"`
}

// AvgMillis is the mean call duration in milliseconds.
func (s OpSummary) AvgMillis() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.TotalDuration.Microseconds()) / float64(s.Calls) / 1000
}

type ServiceMetrics struct {
	Ops       map[string]OpSummary `json:"ops"`
	StartTime time.Time            `json:"start_time"`
	EndTime   time.Time            `json:"end_time"`
}

type ObserveConfig struct {
	EnableMetrics bool   `json:"enable_metrics" yaml:"enable_metrics"`
	Prometheus    bool   `json:"prometheus" yaml:"prometheus"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
}

func DefaultObserveConfig() ObserveConfig {
	return ObserveConfig{
		EnableMetrics: true,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}
