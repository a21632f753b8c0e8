package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Route is one downstream service the proxy fronts. Immutable after Parse.
type Route struct {
	Name          string
	BaseURL       string
	MaxConcurrent int
}

type Config struct {
	Role      string
	APIPort   int
	RedisURL  string
	PublicURL string

	// Optional: enables the terminal-record archive when set.
	DatabaseURL string

	Routes []Route

	ReplayFraction   float64
	QueueWaitTimeout time.Duration
	RequestTimeout   time.Duration
	UploadTimeout    time.Duration
	TerminalTTL      time.Duration
	DrainTimeout     time.Duration

	LogLevel  string
	LogPretty bool
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func Parse() (*Config, error) {
	role := getenv("ROLE", "all")
	switch role {
	case "proxy", "worker", "all":
	default:
		return nil, fmt.Errorf("invalid ROLE %q (want proxy, worker or all)", role)
	}

	portStr := getenv("API_PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %w", err)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	routes, err := parseRoutes()
	if err != nil {
		return nil, err
	}

	fraction := 0.10
	if v := os.Getenv("REPLAY_FRACTION"); v != "" {
		fraction, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REPLAY_FRACTION: %w", err)
		}
		if fraction <= 0 || fraction > 1 {
			return nil, fmt.Errorf("invalid REPLAY_FRACTION %q: must be in (0, 1]", v)
		}
	}

	queueWait, err := getdur("QUEUE_WAIT_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	reqTimeout, err := getdur("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	uploadTimeout, err := getdur("UPLOAD_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	terminalTTL, err := getdur("TERMINAL_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	drainTimeout, err := getdur("DRAIN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Role:             role,
		APIPort:          port,
		RedisURL:         redisURL,
		PublicURL:        strings.TrimSuffix(getenv("PUBLIC_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Routes:           routes,
		ReplayFraction:   fraction,
		QueueWaitTimeout: queueWait,
		RequestTimeout:   reqTimeout,
		UploadTimeout:    uploadTimeout,
		TerminalTTL:      terminalTTL,
		DrainTimeout:     drainTimeout,
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogPretty:        getenv("LOG_PRETTY", "") == "true",
	}, nil
}

// parseRoutes reads ROUTES="pdf,tts" plus ROUTE_PDF_URL and
// ROUTE_PDF_MAX_CONCURRENT style variables for each listed name.
func parseRoutes() ([]Route, error) {
	raw := os.Getenv("ROUTES")
	if raw == "" {
		return nil, fmt.Errorf("ROUTES is required")
	}
	var routes []Route
	seen := map[string]bool{}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate route %q in ROUTES", name)
		}
		seen[name] = true

		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		baseURL := os.Getenv("ROUTE_" + envName + "_URL")
		if baseURL == "" {
			return nil, fmt.Errorf("ROUTE_%s_URL is required for route %q", envName, name)
		}
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid ROUTE_%s_URL %q", envName, baseURL)
		}

		maxConcurrent := 5
		if v := os.Getenv("ROUTE_" + envName + "_MAX_CONCURRENT"); v != "" {
			maxConcurrent, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid ROUTE_%s_MAX_CONCURRENT: %w", envName, err)
			}
			if maxConcurrent < 1 {
				return nil, fmt.Errorf("ROUTE_%s_MAX_CONCURRENT must be >= 1", envName)
			}
		}

		routes = append(routes, Route{
			Name:          name,
			BaseURL:       strings.TrimSuffix(baseURL, "/"),
			MaxConcurrent: maxConcurrent,
		})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("ROUTES is empty")
	}
	return routes, nil
}

// Route returns the route named name, or nil.
func (c *Config) Route(name string) *Route {
	for i := range c.Routes {
		if c.Routes[i].Name == name {
			return &c.Routes[i]
		}
	}
	return nil
}

// Workers returns the replay worker count for a route: a fixed fraction of
// the concurrency cap, never less than one so small caps still drain.
func (c *Config) Workers(r *Route) int {
	n := int(float64(r.MaxConcurrent) * c.ReplayFraction)
	if n < 1 {
		n = 1
	}
	return n
}
