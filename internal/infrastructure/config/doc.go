// Package config handles loading and validating miio bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and device entries
//   - Default value handling
//
// Security Considerations:
//   - Device tokens and the JWT secret should be injected via environment
//     variables or a file with restricted permissions (0600)
//   - API keys are stored as argon2id hashes, never in plaintext
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, d.PollingDuration())
//	}
package config
