/*
Package config loads and validates Apiary configuration via viper.

Configuration merges three layers, highest precedence first: environment
variables prefixed APIARY_, an optional apiary.yaml file, and built-in
defaults. Durations use Apiary's single-unit syntax (30s, 5m, 1500ms, 1d)
rather than Go's composite syntax, matching the values stored in the sync
wire protocol and rendered in operator output.

# Configuration Surface

	mode: local | hybrid | edge
	dataDir: .apiary

	log:
	  level: info          # debug | info | warn | error
	  json: false

	edge:                  # required for hybrid/edge modes
	  url: https://edge.example.com
	  token: <bearer token>

	runtime:
	  maxCycles: 0         # 0 = unlimited
	  maxRuntime: 0ms      # 0 = unlimited
	  idleTimeout: 10m
	  maxConsecutiveFailures: 5
	  checkInterval: 5s

	sync:
	  pollingInterval: 30s
	  timeout: 30s
	  maxRetries: 3
	  batchSize: 50
	  auto: true

	queue:
	  baseDelay: 1s
	  maxDelay: 60s
	  maxAttempts: 5
	  healthCheckInterval: 30s

	bus:
	  variant: db          # db | mailbox
	  purgeInterval: 60s
	  defaultTTL: 24h

	scheduler:
	  partialCredit: 0.3
	  maxClaimAttempts: 3

	sweep:
	  leaseInterval: 15s
	  promoteInterval: 5s
	  heartbeatThreshold: 60s

	metrics:
	  enabled: true
	  addr: 127.0.0.1:9464

The legacy cloudflare.workerUrl and cloudflare.apiToken keys alias to
edge.url and edge.token for older deployments.

# Environment Overrides

Any key can be overridden with APIARY_ plus the dotted path upcased and
dots replaced by underscores:

	APIARY_MODE=hybrid
	APIARY_EDGE_URL=https://edge.example.com
	APIARY_SYNC_BATCHSIZE=25

# Validation

Load returns errors carrying errdefs.ErrConfig so callers can distinguish
configuration mistakes from runtime failures. Checks include: known mode
and bus variant, edge credentials present for non-local modes, positive
batch size and attempt budget, and base delay not exceeding max delay.

# Usage

	cfg, err := config.Load("")  // search ./apiary.yaml, else defaults
	if err != nil {
		return err
	}

	cfg, err := config.Load("/etc/apiary/apiary.yaml")

	cfg := config.Default()      // tests and embedded use

# See Also

  - pkg/errdefs for the configuration error kind
  - ParseDuration and FormatDuration for the duration syntax
*/
package config
