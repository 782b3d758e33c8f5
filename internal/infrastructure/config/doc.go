// Package config handles loading and validating ISH configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with ISH_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Bearer tokens and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/ish.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
