/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
The router binary uses it to read its YAML/JSON config file without
verbose type assertions and nil checks.

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "listen":  ":8350",
	    "server": map[string]any{
	        "read_timeout": "10s",
	    },
	})

	listen := cfg.String("listen", ":8080")                       // ":8350"
	timeout := cfg.Duration("server.read_timeout", 5*time.Second) // 10s
	missing := cfg.Int("server.max_body_kb", 512)                 // 512

# Nested Keys

Keys may be dotted paths that descend through nested maps, matching the
sectioned layout of the router's config files. An exact top-level key
wins over path descent. Sub extracts a whole section:

	router := cfg.Sub("router")
	pending := router.Int("max_pending", 10000)

Sub never returns a failing value: missing or non-map sections yield an
empty Config, so defaults flow through chained lookups.

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

Numeric types handle reasonable conversions:
  - int from float64 (only without a fractional part)
  - float64 from int

All methods return the default value if the key is missing, the value
cannot be converted, or the conversion would lose precision.

# File Loading

Load configuration from YAML or JSON files:

	cfg, err := config.FromFile("eventrouter.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	// Or load from bytes
	cfg, err = config.FromYAML(yamlBytes)
	cfg, err = config.FromJSON(jsonBytes)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation. However, if the original map is modified
externally, behavior is undefined.
*/
package config
