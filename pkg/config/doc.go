// Package config loads the engine configuration file.
//
// A configuration has four sections:
//
//	state:
//	  backend: sqlite          # memory, local, sqlite, s3 or sftp
//	  path: .octo/state.db
//	  encrypt: true            # passphrase from OCTO_STATE_PASSPHRASE
//	engine:
//	  maxParallel: 8
//	  record: true
//	telemetry:
//	  serviceName: octo
//	  serviceVersion: 1.0.0
//	  logging:
//	    level: debug
//	policy:
//	  paths: [policies/]
//	  disabled: [shared-resource-delete]
//	  guards:
//	    - name: keep-vpcs
//	      expr: diff.action != "delete" or diff.node.type != "vpc"
//
// YAML files are decoded with yaml.v3 and reject unknown keys. CUE and JSON files,
// and directories holding a CUE package, are unified with the built-in #Config
// schema first, so constraint violations are reported with file positions:
//
//	state: backend: "local"   // error: path is required for local state
//
// Values are decoded over Default(), then OCTO_LOG_LEVEL and OCTO_STATE_PASSPHRASE
// are applied and the result is validated with struct tags.
//
// NewRuntime turns a loaded configuration into an engine environment: it opens the
// state backend, starts telemetry and installs the policy engine as a pre-batch hook.
package config
