// Package config handles loading and validating the relay configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with RELAY_* environment variables
//   - Validation of required fields (a missing broker host is fatal)
//   - Default value handling
//
// Security Considerations:
//   - Broker credentials and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/relay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.URL())
package config
