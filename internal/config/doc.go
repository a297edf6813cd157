// Package config loads the front-end configuration.
//
// Configuration is HCL (preferred) or JSON, selected by file extension:
//
//	schema_version = "1.0"
//
//	printer {
//	  host    = "printer.local"
//	  port    = 7125
//	  api_key = env.PLATEN_API_KEY
//	  timeout = "3s"
//	}
//
//	connection {
//	  max_retries    = 6
//	  retry_interval = "5s"
//	}
//
//	queue {
//	  discipline = "lifo"
//	}
//
// HCL files may reference environment variables through the env object.
package config
