package config

const (
	defaultDataDir            = "~/.local/share/loom"
	defaultLogDir             = "~/.local/share/loom/logs"
	defaultAPIBind            = "127.0.0.1:7718"
	defaultMaxAttempts        = 5
	defaultLeaseSeconds       = 120
	defaultPollInterval       = 2
	defaultReapInterval       = 30
	defaultHeartbeatInterval  = 15
	defaultBackoffBaseSeconds = 5
	defaultBackoffCapSeconds  = 600
	defaultErrorRetryInterval = 5
	defaultWorkerCount        = 2
	defaultRequestTimeout     = 30
	defaultTaskPollInterval   = 15
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Queue: Queue{
			MaxAttempts:        defaultMaxAttempts,
			LeaseSeconds:       defaultLeaseSeconds,
			PollInterval:       defaultPollInterval,
			ReapInterval:       defaultReapInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			BackoffBaseSeconds: defaultBackoffBaseSeconds,
			BackoffCapSeconds:  defaultBackoffCapSeconds,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Workers: Workers{
			Count: defaultWorkerCount,
		},
		Services: Services{
			RequestTimeout:   defaultRequestTimeout,
			TaskPollInterval: defaultTaskPollInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
