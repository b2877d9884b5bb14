package config

// knownKeys lists every configuration key this package understands. Init
// uses it to warn about (but not reject) unrecognized keys found in a
// loaded config file or environment, per the tolerant-unknown-keys
// behavior this process requires.
var knownKeys = map[string]bool{
	"log_level":                      true,
	"log_file":                       true,
	"region":                         true,
	"services_path":                  true,
	"server_port":                    true,
	"local_ip":                       true,
	"registry.backend":               true,
	"registry.servers":               true,
	"registry.connect_timeout":       true,
	"registry.pool.size":             true,
	"registry.pool.borrow_timeout":   true,
	"registry.pool.warn":             true,
	"registry.pool.idle":             true,
}
