// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how credentials are normally supplied:
//
//	credentials:
//	  api_key: ${CLOB_API_KEY}
//	  secret: ${CLOB_SECRET}
//	  passphrase: ${CLOB_PASSPHRASE}
package config
