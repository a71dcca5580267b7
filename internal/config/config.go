// package config provides an environment-backed configuration loader for
// the dshield daemon, with an optional YAML file layered underneath the
// environment (the file supplies defaults; any environment variable that
// is set always wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime value cmd/dshieldd needs.
type Config struct {
	ListenAddr  string // LISTEN_ADDR (control-plane HTTP, default :8080)
	DatabaseURL string // DATABASE_URL (optional; enables the Postgres Log Store)

	RequireMTLS     bool   // REQUIRE_MTLS
	TLSCertPath     string // TLS_CERT_PATH
	TLSKeyPath      string // TLS_KEY_PATH
	TLSClientCAPath string // TLS_CLIENT_CA_PATH

	// OIDC / JWKS
	OIDCIssuer          string // OIDC_ISSUER
	OIDCAudience        string // OIDC_AUDIENCE
	JWKSURL             string // JWKS_URL
	JWKSCacheTTLSeconds int    // JWKS_CACHE_TTL_SECONDS (default 300)

	// Signer
	SignerKeyID           string // SIGNER_KEY_ID (fallback local signer identifier)
	RequireEnclaveSigner  bool   // REQUIRE_ENCLAVE_SIGNER
	EnclaveSignerEndpoint string // ENCLAVE_SIGNER_ENDPOINT

	// Logging Proxy
	ProxyListenAddr string // PROXY_LISTEN_ADDR (default 127.0.0.1:0, ephemeral)

	// Function Sandbox
	SandboxTimeoutSeconds int // SANDBOX_TIMEOUT_SECONDS (default 30)

	// Capability Probe
	CapabilityOverride string // CAPABILITY_OVERRIDE ("full"|"partial"|"minimal"), empty = auto-detect

	// Bundle Manifest Core
	ManifestTrustedFingerprintsFile string // MANIFEST_TRUSTED_FINGERPRINTS_FILE

	// Durable Log Store streaming (optional; all must be set to enable)
	KafkaBrokers              []string // KAFKA_BROKERS (comma-separated)
	KafkaTopic                string   // KAFKA_TOPIC
	S3Bucket                  string   // S3_BUCKET
	S3Prefix                  string   // S3_PREFIX
	StreamBatchSize           int      // STREAM_BATCH_SIZE (default 10)
	StreamMaxConcurrency      int      // STREAM_MAX_CONCURRENCY (default 5)
	StreamPollIntervalSeconds int      // STREAM_POLL_INTERVAL_SECONDS (default 3)

	// ConfigFile, if non-empty and present on disk, is loaded as a YAML
	// override layer before environment variables are applied.
	ConfigFile string // DSHIELD_CONFIG_FILE (default "dshield.yaml" if present)

	// LoadFileErr is set when ConfigFile exists but failed to parse. A
	// missing file is not an error and leaves this nil.
	LoadFileErr error
}

// fileOverrides mirrors the subset of Config a YAML file may supply.
// Only non-zero fields override the defaults below; environment variables
// always override whatever the file sets.
type fileOverrides struct {
	ListenAddr                      string   `yaml:"listenAddr"`
	DatabaseURL                     string   `yaml:"databaseUrl"`
	RequireMTLS                     *bool    `yaml:"requireMtls"`
	TLSCertPath                     string   `yaml:"tlsCertPath"`
	TLSKeyPath                      string   `yaml:"tlsKeyPath"`
	TLSClientCAPath                 string   `yaml:"tlsClientCaPath"`
	OIDCIssuer                      string   `yaml:"oidcIssuer"`
	OIDCAudience                    string   `yaml:"oidcAudience"`
	JWKSURL                         string   `yaml:"jwksUrl"`
	JWKSCacheTTLSeconds             int      `yaml:"jwksCacheTtlSeconds"`
	SignerKeyID                     string   `yaml:"signerKeyId"`
	RequireEnclaveSigner            *bool    `yaml:"requireEnclaveSigner"`
	EnclaveSignerEndpoint           string   `yaml:"enclaveSignerEndpoint"`
	ProxyListenAddr                 string   `yaml:"proxyListenAddr"`
	SandboxTimeoutSeconds           int      `yaml:"sandboxTimeoutSeconds"`
	CapabilityOverride              string   `yaml:"capabilityOverride"`
	ManifestTrustedFingerprintsFile string   `yaml:"manifestTrustedFingerprintsFile"`
	KafkaBrokers                    []string `yaml:"kafkaBrokers"`
	KafkaTopic                      string   `yaml:"kafkaTopic"`
	S3Bucket                        string   `yaml:"s3Bucket"`
	S3Prefix                        string   `yaml:"s3Prefix"`
	StreamBatchSize                 int      `yaml:"streamBatchSize"`
	StreamMaxConcurrency            int      `yaml:"streamMaxConcurrency"`
	StreamPollIntervalSeconds       int      `yaml:"streamPollIntervalSeconds"`
}

// LoadFromEnv builds a Config from defaults, an optional YAML file, and
// environment variables, in that precedence order (env always wins).
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:                ":8080",
		JWKSCacheTTLSeconds:       300,
		SignerKeyID:               "local-signer-1",
		ProxyListenAddr:           "127.0.0.1:0",
		SandboxTimeoutSeconds:     30,
		StreamBatchSize:           10,
		StreamMaxConcurrency:      5,
		StreamPollIntervalSeconds: 3,
	}

	configFile := os.Getenv("DSHIELD_CONFIG_FILE")
	if configFile == "" {
		configFile = "dshield.yaml"
	}
	// A malformed config file is surfaced via LoadFileErr rather than
	// panicking here; cmd/dshieldd decides whether that's fatal.
	cfg.LoadFileErr = applyFileOverrides(cfg, configFile)
	cfg.ConfigFile = configFile

	applyEnvOverrides(cfg)
	return cfg
}

// applyFileOverrides loads path as YAML and overlays any fields it sets
// onto cfg. A missing file is not an error; only a malformed one is.
func applyFileOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fo fileOverrides
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fo.ListenAddr != "" {
		cfg.ListenAddr = fo.ListenAddr
	}
	if fo.DatabaseURL != "" {
		cfg.DatabaseURL = fo.DatabaseURL
	}
	if fo.RequireMTLS != nil {
		cfg.RequireMTLS = *fo.RequireMTLS
	}
	if fo.TLSCertPath != "" {
		cfg.TLSCertPath = fo.TLSCertPath
	}
	if fo.TLSKeyPath != "" {
		cfg.TLSKeyPath = fo.TLSKeyPath
	}
	if fo.TLSClientCAPath != "" {
		cfg.TLSClientCAPath = fo.TLSClientCAPath
	}
	if fo.OIDCIssuer != "" {
		cfg.OIDCIssuer = fo.OIDCIssuer
	}
	if fo.OIDCAudience != "" {
		cfg.OIDCAudience = fo.OIDCAudience
	}
	if fo.JWKSURL != "" {
		cfg.JWKSURL = fo.JWKSURL
	}
	if fo.JWKSCacheTTLSeconds > 0 {
		cfg.JWKSCacheTTLSeconds = fo.JWKSCacheTTLSeconds
	}
	if fo.SignerKeyID != "" {
		cfg.SignerKeyID = fo.SignerKeyID
	}
	if fo.RequireEnclaveSigner != nil {
		cfg.RequireEnclaveSigner = *fo.RequireEnclaveSigner
	}
	if fo.EnclaveSignerEndpoint != "" {
		cfg.EnclaveSignerEndpoint = fo.EnclaveSignerEndpoint
	}
	if fo.ProxyListenAddr != "" {
		cfg.ProxyListenAddr = fo.ProxyListenAddr
	}
	if fo.SandboxTimeoutSeconds > 0 {
		cfg.SandboxTimeoutSeconds = fo.SandboxTimeoutSeconds
	}
	if fo.CapabilityOverride != "" {
		cfg.CapabilityOverride = fo.CapabilityOverride
	}
	if fo.ManifestTrustedFingerprintsFile != "" {
		cfg.ManifestTrustedFingerprintsFile = fo.ManifestTrustedFingerprintsFile
	}
	if len(fo.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = fo.KafkaBrokers
	}
	if fo.KafkaTopic != "" {
		cfg.KafkaTopic = fo.KafkaTopic
	}
	if fo.S3Bucket != "" {
		cfg.S3Bucket = fo.S3Bucket
	}
	if fo.S3Prefix != "" {
		cfg.S3Prefix = fo.S3Prefix
	}
	if fo.StreamBatchSize > 0 {
		cfg.StreamBatchSize = fo.StreamBatchSize
	}
	if fo.StreamMaxConcurrency > 0 {
		cfg.StreamMaxConcurrency = fo.StreamMaxConcurrency
	}
	if fo.StreamPollIntervalSeconds > 0 {
		cfg.StreamPollIntervalSeconds = fo.StreamPollIntervalSeconds
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.TLSCertPath, "TLS_CERT_PATH")
	setString(&cfg.TLSKeyPath, "TLS_KEY_PATH")
	setString(&cfg.TLSClientCAPath, "TLS_CLIENT_CA_PATH")
	setString(&cfg.OIDCIssuer, "OIDC_ISSUER")
	setString(&cfg.OIDCAudience, "OIDC_AUDIENCE")
	setString(&cfg.JWKSURL, "JWKS_URL")
	setString(&cfg.SignerKeyID, "SIGNER_KEY_ID")
	setString(&cfg.EnclaveSignerEndpoint, "ENCLAVE_SIGNER_ENDPOINT")
	setString(&cfg.ProxyListenAddr, "PROXY_LISTEN_ADDR")
	setString(&cfg.CapabilityOverride, "CAPABILITY_OVERRIDE")
	setString(&cfg.ManifestTrustedFingerprintsFile, "MANIFEST_TRUSTED_FINGERPRINTS_FILE")
	setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setString(&cfg.S3Bucket, "S3_BUCKET")
	setString(&cfg.S3Prefix, "S3_PREFIX")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				brokers = append(brokers, b)
			}
		}
		if len(brokers) > 0 {
			cfg.KafkaBrokers = brokers
		}
	}

	setInt(&cfg.JWKSCacheTTLSeconds, "JWKS_CACHE_TTL_SECONDS")
	setInt(&cfg.SandboxTimeoutSeconds, "SANDBOX_TIMEOUT_SECONDS")
	setInt(&cfg.StreamBatchSize, "STREAM_BATCH_SIZE")
	setInt(&cfg.StreamMaxConcurrency, "STREAM_MAX_CONCURRENCY")
	setInt(&cfg.StreamPollIntervalSeconds, "STREAM_POLL_INTERVAL_SECONDS")

	setBool(&cfg.RequireMTLS, "REQUIRE_MTLS")
	setBool(&cfg.RequireEnclaveSigner, "REQUIRE_ENCLAVE_SIGNER")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
