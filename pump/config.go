package pump

import (
	"fmt"
	"time"
)

// NoAssociatedPartition marks an exception notification that cannot be
// attributed to any partition worker.
const NoAssociatedPartition = "N/A"

// ExceptionArgs is the payload handed to the exception sink.
type ExceptionArgs struct {
	HostID      string
	Err         error
	Action      string
	PartitionID string
}

// Config parameterizes one partition's receive loop. A Pump copies it
// at construction, so mutating a Config after workers start does not
// affect workers already running.
type Config struct {
	// MaxBatchSize caps how many events one ProcessEvents call gets.
	MaxBatchSize int
	// PrefetchCount is the receive window granted to the link.
	PrefetchCount int
	// ReceiveTimeout bounds each receive; an empty batch on expiry is
	// delivered only when InvokeOnEmptyBatch is set.
	ReceiveTimeout time.Duration
	// InitialOffsetProvider resolves where to start when no checkpoint
	// exists for a partition. Must be side-effect free.
	InitialOffsetProvider func(partitionID string) Offset
	InvokeOnEmptyBatch    bool
	RuntimeMetricsEnabled bool
	// ExceptionSink, when non-nil, receives notifications of errors
	// with no partition worker to own them.
	ExceptionSink func(ExceptionArgs)
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:   10,
		PrefetchCount:  300,
		ReceiveTimeout: time.Minute,
		InitialOffsetProvider: func(string) Offset {
			return StartOfStream
		},
	}
}

// ConfigError reports an invalid configuration value. Raised at
// construction only; a running pump never validates.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pump config: %s %s", e.Field, e.Reason)
}

func (c *Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return &ConfigError{Field: "MaxBatchSize", Reason: "must be positive"}
	}
	if c.PrefetchCount <= 0 {
		return &ConfigError{Field: "PrefetchCount", Reason: "must be positive"}
	}
	if c.ReceiveTimeout <= 0 {
		return &ConfigError{Field: "ReceiveTimeout", Reason: "must be positive"}
	}
	if c.InitialOffsetProvider == nil {
		return &ConfigError{Field: "InitialOffsetProvider", Reason: "must not be nil"}
	}
	return nil
}

// NotifyException forwards an error to the exception sink, if one is
// registered. The sink is captured once so a concurrent reset cannot
// race between the check and the call, and a panicking sink never
// breaks the notifier.
func (c *Config) NotifyException(hostID string, err error, action, partitionID string) {
	sink := c.ExceptionSink
	if sink == nil {
		return
	}
	if partitionID == "" {
		partitionID = NoAssociatedPartition
	}

	defer func() {
		_ = recover()
	}()

	sink(ExceptionArgs{
		HostID:      hostID,
		Err:         err,
		Action:      action,
		PartitionID: partitionID,
	})
}
