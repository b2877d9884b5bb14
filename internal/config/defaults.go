package config

import "github.com/spf13/viper"

// Default configuration values.
const (
	DefaultLogLevel = "info"
	DefaultLogFile  = "~/.config/skynet/skynet.log"

	DefaultRegion       = "unknown"
	DefaultServicesPath = "./services"
	DefaultServerPort   = 9000
	DefaultLocalIP      = "127.0.0.1"

	DefaultRegistryBackend        = "redis"
	DefaultRegistryConnectTimeout = 5 // seconds

	DefaultPoolSize          = 4
	DefaultPoolBorrowTimeout = 5000 // milliseconds
	DefaultPoolWarn          = 1000 // milliseconds
	DefaultPoolIdle          = 30   // seconds
)

// DefaultRegistryServers is the coordination-store endpoint list used when
// none is configured.
var DefaultRegistryServers = []string{"127.0.0.1:2181"}

// NewDefaultConfig returns a Config populated with all default values.
func NewDefaultConfig() Config {
	return Config{
		LogLevel:     DefaultLogLevel,
		LogFile:      DefaultLogFile,
		Region:       DefaultRegion,
		ServicesPath: DefaultServicesPath,
		ServerPort:   DefaultServerPort,
		LocalIP:      DefaultLocalIP,
		Registry: RegistryConfig{
			Backend:        DefaultRegistryBackend,
			Servers:        append([]string(nil), DefaultRegistryServers...),
			ConnectTimeout: DefaultRegistryConnectTimeout,
			Pool: PoolConfig{
				Size:          DefaultPoolSize,
				BorrowTimeout: DefaultPoolBorrowTimeout,
				Warn:          DefaultPoolWarn,
				Idle:          DefaultPoolIdle,
			},
		},
	}
}

// setDefaults registers all default configuration values with the package
// viper instance. Called during Init() before reading config files.
func setDefaults() {
	setViperDefaults(viper.GetViper())
}

// setViperDefaults registers all default configuration values with a given
// viper instance, so both the package singleton and one-off Load calls
// share the same default set.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_file", DefaultLogFile)

	v.SetDefault("region", DefaultRegion)
	v.SetDefault("services_path", DefaultServicesPath)
	v.SetDefault("server_port", DefaultServerPort)
	v.SetDefault("local_ip", DefaultLocalIP)

	v.SetDefault("registry.backend", DefaultRegistryBackend)
	v.SetDefault("registry.servers", DefaultRegistryServers)
	v.SetDefault("registry.connect_timeout", DefaultRegistryConnectTimeout)

	v.SetDefault("registry.pool.size", DefaultPoolSize)
	v.SetDefault("registry.pool.borrow_timeout", DefaultPoolBorrowTimeout)
	v.SetDefault("registry.pool.warn", DefaultPoolWarn)
	v.SetDefault("registry.pool.idle", DefaultPoolIdle)
}
