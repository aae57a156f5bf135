// Package config loads, validates, and watches the gateway configuration.
//
// Configuration is YAML with ${VAR} and ${VAR:-default} environment
// substitution. Every field has a default (see DefaultConfig), so a file
// only needs to name what differs from the reference deployment:
//
//	upstream:
//	  baseURL: https://data.example.com/v1
//	credential:
//	  envVar: ${CREDENTIAL_ENV:-UPSTREAM_API_KEY}
//	rateLimit:
//	  store: redis
//	  redis:
//	    address: redis:6379
package config
