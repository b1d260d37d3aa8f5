// Package appconf holds process-level configuration shared across the
// application: runtime environment, HTTP port, and tuning knobs that are not
// tied to any single component.
package appconf

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

// EnvFromString maps an environment flag value to an Environment.
// Unknown values fall back to Development.
func EnvFromString(s string) Environment {
	switch s {
	case "production":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Test:
		return "test"
	default:
		return "development"
	}
}

// Config is the top-level process configuration assembled in cmd/api from
// flags and environment variables.
type Config struct {
	Env       Environment
	Port      int
	RateLimit int // requests per second per client, 0 disables limiting
	Verbose   bool
}
