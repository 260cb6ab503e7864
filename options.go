package raft

import (
	"time"

	"github.com/quorumkit/raft/internal/errors"
)

const (
	// DefaultElectionMin and DefaultElectionMax bound the randomized
	// election timeout, per the default of 5000-10000ms.
	DefaultElectionMin = 5000 * time.Millisecond
	DefaultElectionMax = 10000 * time.Millisecond

	// DefaultHeartbeatInterval is the fixed interval at which a leader
	// pings an idle peer. Must be less than DefaultElectionMin/2.
	DefaultHeartbeatInterval = 2000 * time.Millisecond

	minElectionBound = 10 * time.Millisecond
	maxElectionBound = 60000 * time.Millisecond

	minHeartbeatBound = 5 * time.Millisecond
	maxHeartbeatBound = 30000 * time.Millisecond

	// DefaultTransactionQueueCapacity bounds how many client messages may
	// be held in Actions.TransactionQueue while a transaction is active
	// before back-pressure kicks in.
	DefaultTransactionQueueCapacity = 256

	// DefaultMaxEntriesPerAppend bounds how many log entries a single
	// AppendEntries action will carry.
	DefaultMaxEntriesPerAppend = 100

	// DefaultSnapshotThreshold is how many applied log entries accumulate
	// before Consensus.MaybeSnapshot asks the state machine to snapshot.
	DefaultSnapshotThreshold = 1000
)

// Logger supports logging messages at the debug, info, warn, error, and fatal level.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(args ...interface{})

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...interface{})

	// Info logs a message at info level.
	Info(args ...interface{})

	// Infof logs a formatted message at info level.
	Infof(format string, args ...interface{})

	// Warn logs a message at warn level.
	Warn(args ...interface{})

	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...interface{})

	// Error logs a message at error level.
	Error(args ...interface{})

	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...interface{})

	// Fatal logs a message at fatal level.
	Fatal(args ...interface{})

	// Fatalf logs a formatted message at fatal level.
	Fatalf(format string, args ...interface{})
}

type options struct {
	// The [min, max) bounds a randomized election timeout is drawn from.
	electionMin time.Duration
	electionMax time.Duration

	// The interval between AppendEntries heartbeats a leader sends to an
	// otherwise idle peer.
	heartbeatInterval time.Duration

	// The maximum number of log entries that will be transmitted via a
	// single AppendEntries action.
	maxEntriesPerAppend int

	// How many client messages may sit in Actions.TransactionQueue while a
	// transaction is active before proposals/queries are rejected with
	// QueueFull.
	transactionQueueCap int

	// How many applied-but-uncompacted log entries accumulate before
	// MaybeSnapshot requests a new snapshot from the state machine.
	snapshotThreshold int

	// A logger for debugging and important events.
	logger Logger

	// Where MaybeSnapshot persists a snapshot before compacting the log.
	// A nil storage (the default) disables compaction entirely: compacting
	// without a durable copy of the state it replaces would make the
	// discarded entries unrecoverable.
	snapshotStorage SnapshotStorage
}

// Option is a function that updates the options associated with a Consensus
// or Dispatcher.
type Option func(options *options) error

// WithElectionTimeout sets the [min, max) bounds of the randomized election
// timeout.
func WithElectionTimeout(min, max time.Duration) Option {
	return func(options *options) error {
		if min < minElectionBound || max > maxElectionBound || max <= min {
			return errors.New("election timeout bounds are invalid")
		}
		options.electionMin = min
		options.electionMax = max
		return nil
	}
}

// WithHeartbeatInterval sets the heartbeat interval. Resolution fails later
// if this is not less than half the minimum election timeout.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeatBound || interval > maxHeartbeatBound {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithMaxEntriesPerAppend sets the maximum number of log entries that can be
// transmitted via a single AppendEntries action.
func WithMaxEntriesPerAppend(n int) Option {
	return func(options *options) error {
		if n <= 0 {
			return errors.New("max entries per append must be positive")
		}
		options.maxEntriesPerAppend = n
		return nil
	}
}

// WithTransactionQueueCapacity bounds the number of client messages queued
// while a transaction is active.
func WithTransactionQueueCapacity(capacity int) Option {
	return func(options *options) error {
		if capacity <= 0 {
			return errors.New("transaction queue capacity must be positive")
		}
		options.transactionQueueCap = capacity
		return nil
	}
}

// WithSnapshotThreshold sets how many applied entries accumulate before
// MaybeSnapshot requests a new snapshot.
func WithSnapshotThreshold(n int) Option {
	return func(options *options) error {
		if n <= 0 {
			return errors.New("snapshot threshold must be positive")
		}
		options.snapshotThreshold = n
		return nil
	}
}

// WithLogger sets the logger used by Consensus and the Dispatcher.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithSnapshotStorage sets the SnapshotStorage MaybeSnapshot persists a
// snapshot into before compacting the log. Passing nil disables snapshotting
// (and therefore compaction) entirely, which is the default.
func WithSnapshotStorage(storage SnapshotStorage) Option {
	return func(options *options) error {
		options.snapshotStorage = storage
		return nil
	}
}

func defaultOptions() options {
	return options{
		electionMin:         DefaultElectionMin,
		electionMax:         DefaultElectionMax,
		heartbeatInterval:   DefaultHeartbeatInterval,
		maxEntriesPerAppend: DefaultMaxEntriesPerAppend,
		transactionQueueCap: DefaultTransactionQueueCapacity,
		snapshotThreshold:   DefaultSnapshotThreshold,
		logger:              noopLogger{},
	}
}

func resolveOptions(opts ...Option) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	if o.heartbeatInterval >= o.electionMin/2 {
		return options{}, errors.New("heartbeat interval must be less than half of the minimum election timeout")
	}
	return o, nil
}

// noopLogger is used when no Logger option is supplied.
type noopLogger struct{}

func (noopLogger) Debug(args ...interface{})                 {}
func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Info(args ...interface{})                  {}
func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Warn(args ...interface{})                  {}
func (noopLogger) Warnf(format string, args ...interface{})  {}
func (noopLogger) Error(args ...interface{})                 {}
func (noopLogger) Errorf(format string, args ...interface{}) {}
func (noopLogger) Fatal(args ...interface{})                 {}
func (noopLogger) Fatalf(format string, args ...interface{}) {}
