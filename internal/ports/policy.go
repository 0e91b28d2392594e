package ports

import "time"

type Policy struct {
	MaxLogSizeBytes int64         `yaml:"max_log_size_bytes"`
	MaxQueueLen     int           `yaml:"max_queue_len"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	IdleSleep       time.Duration `yaml:"idle_sleep"`

	OnLogFull   string `yaml:"on_log_full"`   // "block", "drop"
	OnQueueFull string `yaml:"on_queue_full"` // "block", "drop", "reject"
}
