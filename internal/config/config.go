// Package config loads credentials and runtime settings from the environment.
//
// A Config is built once at process start (FromEnv) and passed by pointer to
// every collaborator. It is never mutated after construction, so it is safe
// for concurrent reads.
//
// Credentials are validated lazily and per system: a workflow that only talks
// to the warehouse never fails because Tableau variables are missing, and
// vice versa.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvTableauPATName    = "tab_pat_name"
	EnvTableauPATSecret  = "tab_secret_id"
	EnvTableauSiteID     = "tab_site_id"
	EnvTableauSiteURL    = "tab_site_url"
	EnvTableauAPIVersion = "tab_api_version"

	EnvDatabricksHostname = "databricks_server_hostname"
	EnvDatabricksHTTPPath = "databricks_http_path"
	EnvDatabricksToken    = "databricks_token"

	EnvWarehouseKind = "WAREHOUSE_KIND"
	EnvWarehouseDSN  = "WAREHOUSE_DSN"

	EnvLogLevel       = "LOG_LEVEL"
	EnvHTTPRetryMax   = "HTTP_RETRY_MAX"
	EnvMetricsBackend = "METRICS_BACKEND"
	EnvMetricsTags    = "METRICS_TAGS"
)

// DefaultWarehouseKind is used when WAREHOUSE_KIND is unset.
const DefaultWarehouseKind = "databricks"

// ErrMissingConfig is matched by every ValidationError.
var ErrMissingConfig = errors.New("missing config")

// ValidationError reports the required variables that are empty for one
// target system.
type ValidationError struct {
	System  string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing %s config vars: [%s]", e.System, strings.Join(e.Missing, " "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrMissingConfig }

// TableauCredentials authenticate against a Tableau site with a personal
// access token. APIVersion is optional; when empty the server's version is
// used.
type TableauCredentials struct {
	PATName    string
	PATSecret  string
	SiteID     string
	SiteURL    string
	APIVersion string
}

// DatabricksCredentials address a Databricks SQL warehouse.
type DatabricksCredentials struct {
	ServerHostname string
	HTTPPath       string
	Token          string
}

// Warehouse selects the SQL warehouse driver. DSN is used by every kind
// except databricks, which is configured from DatabricksCredentials.
type Warehouse struct {
	Kind string
	DSN  string
}

// Metrics selects the metrics backend ("datadog", "none" or empty).
type Metrics struct {
	Backend string
	Tags    string
}

// Config is the immutable process configuration.
type Config struct {
	tableau    TableauCredentials
	databricks DatabricksCredentials

	Warehouse    Warehouse
	Metrics      Metrics
	LogLevel     string
	HTTPRetryMax int
}

// Load builds a Config from lookup (typically os.Getenv). It never fails on
// missing credentials; those are reported by Tableau() and Databricks().
func Load(lookup func(string) string) (*Config, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	get := func(k string) string { return strings.TrimSpace(lookup(k)) }

	c := &Config{
		tableau: TableauCredentials{
			PATName:    get(EnvTableauPATName),
			PATSecret:  get(EnvTableauPATSecret),
			SiteID:     get(EnvTableauSiteID),
			SiteURL:    strings.TrimRight(get(EnvTableauSiteURL), "/"),
			APIVersion: get(EnvTableauAPIVersion),
		},
		databricks: DatabricksCredentials{
			ServerHostname: get(EnvDatabricksHostname),
			HTTPPath:       get(EnvDatabricksHTTPPath),
			Token:          get(EnvDatabricksToken),
		},
		Warehouse: Warehouse{
			Kind: strings.ToLower(get(EnvWarehouseKind)),
			DSN:  get(EnvWarehouseDSN),
		},
		Metrics: Metrics{
			Backend: strings.ToLower(get(EnvMetricsBackend)),
			Tags:    get(EnvMetricsTags),
		},
		LogLevel: get(EnvLogLevel),
	}
	if c.Warehouse.Kind == "" {
		c.Warehouse.Kind = DefaultWarehouseKind
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}

	if v := get(EnvHTTPRetryMax); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer, got %q", EnvHTTPRetryMax, v)
		}
		c.HTTPRetryMax = n
	}
	return c, nil
}

// FromEnv loads envFile (if it exists) into the process environment without
// overriding variables that are already set, then calls Load(os.Getenv).
// An empty envFile means ".env".
func FromEnv(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", envFile, err)
	}
	return Load(os.Getenv)
}

// Tableau returns the Tableau credentials after checking that every required
// field is set. APIVersion is optional.
func (c *Config) Tableau() (TableauCredentials, error) {
	t := c.tableau
	var missing []string
	for _, f := range []struct{ name, value string }{
		{EnvTableauPATName, t.PATName},
		{EnvTableauPATSecret, t.PATSecret},
		{EnvTableauSiteID, t.SiteID},
		{EnvTableauSiteURL, t.SiteURL},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return TableauCredentials{}, &ValidationError{System: "Tableau", Missing: missing}
	}
	return t, nil
}

// Databricks returns the Databricks credentials after checking that every
// field is set.
func (c *Config) Databricks() (DatabricksCredentials, error) {
	d := c.databricks
	var missing []string
	for _, f := range []struct{ name, value string }{
		{EnvDatabricksHostname, d.ServerHostname},
		{EnvDatabricksHTTPPath, d.HTTPPath},
		{EnvDatabricksToken, d.Token},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return DatabricksCredentials{}, &ValidationError{System: "Databricks", Missing: missing}
	}
	return d, nil
}
