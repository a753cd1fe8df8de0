// Package config loads the gateway settings.
//
// A Config is built from DefaultConfig, then each file layer in order, then
// MESGATEWAY_* environment variables. Layers may be JSON or YAML and are
// merged key by key, so an override file only needs the keys it changes.
// Durations are written as strings ("5s", "1m").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/mesgateway/base.yaml")
//	loader.AddLayer("/etc/mesgateway/site.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// A minimal YAML file:
//
//	server:
//	  address: ":8080"
//	device:
//	  dev_code: NEEDLE-01
//	  operator: line-3
//	security:
//	  api_keys: ["mes-key"]
//	  secret_key: "shared-secret"
//	remote:
//	  base_url: "https://mes.plant.local"
//	  api_key: "mes-key"
//	  secret: "shared-secret"
//
// Environment overrides use the upper-case key path, for example
// MESGATEWAY_ADDRESS, MESGATEWAY_API_KEYS (comma separated),
// MESGATEWAY_SECRET_KEY, MESGATEWAY_REMOTE_URL and MESGATEWAY_LOG_LEVEL.
//
// Files are read only when they are regular JSON or YAML files under the
// size cap; relative paths may not leave the working directory.
package config
