package idset

import "go.uber.org/zap"

const (
	defaultQueueCapacity   = 1024
	defaultMaxBatch        = 64
	defaultCheckpointBytes = 4 << 20
)

// Options configure a Set. The zero value is usable; unset fields take the
// values of DefaultOptions.
type Options struct {
	// QueueCapacity bounds the number of mutations waiting for the writer.
	QueueCapacity int
	// MaxBatch is the most requests the writer applies per journal fsync.
	MaxBatch int
	// CheckpointBytes is the journal size that triggers a checkpoint.
	CheckpointBytes int64
	// NoSync skips fsync on journal appends.
	NoSync bool
	// VerifyOnOpen runs a full structural check after recovery.
	VerifyOnOpen bool
	Logger       *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		QueueCapacity:   defaultQueueCapacity,
		MaxBatch:        defaultMaxBatch,
		CheckpointBytes: defaultCheckpointBytes,
		Logger:          zap.NewNop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = d.QueueCapacity
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = d.MaxBatch
	}
	if o.CheckpointBytes <= 0 {
		o.CheckpointBytes = d.CheckpointBytes
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}
