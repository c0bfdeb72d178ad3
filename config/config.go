package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	certBlock, _ := pem.Decode(decodedData)
	if certBlock == nil {
		return fmt.Errorf("CA certificate is invalid")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = cert
	return nil
}

// Pool returns a cert pool trusting only c, or nil when no certificate
// was configured.
func (c *Certificate) Pool() *x509.CertPool {
	if c == nil || c.Raw == nil {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(c.Raw)
	return pool
}

// Config is the remote document service configuration.
type Config struct {
	ListenAddress       string `env:"LISTEN_ADDRESS,default=0.0.0.0:8080"`
	GrpcListenAddress   string `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8081"`
	SQLiteDirPath       string `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl       string `env:"DATABASE_URL"`
	RedisUrl            string `env:"REDIS_URL"`
	RedisChannel        string `env:"REDIS_CHANNEL,default=datasync:changes"`
	JWTSecret           string `env:"JWT_SECRET"`
	SchemaVersion       string `env:"SCHEMA_VERSION,default=1"`
	RateLimitPerSecond  int    `env:"RATE_LIMIT_PER_SECOND,default=20"`
	RateLimitBurst      int    `env:"RATE_LIMIT_BURST,default=40"`
	WatchTimeoutSeconds int    `env:"WATCH_TIMEOUT_SECONDS,default=25"`
	BlobMaxBytes        int    `env:"BLOB_MAX_BYTES,default=16777216"`
	CorsAllowedOrigins  string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	TLSCertFile         string `env:"TLS_CERT_FILE"`
	TLSKeyFile          string `env:"TLS_KEY_FILE"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &config, nil
}

func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CorsAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// ClientConfig configures a device: where its Local Store lives and how it
// reaches the remote document service.
type ClientConfig struct {
	DBPath          string       `env:"DATA_SYNC_DB,default=data-sync.db"`
	ServerURL       string       `env:"DATA_SYNC_URL,default=https://localhost:8080"`
	Token           string       `env:"DATA_SYNC_TOKEN"`
	TokenFile       string       `env:"DATA_SYNC_TOKEN_FILE"`
	DeviceKey       string       `env:"DATA_SYNC_DEVICE_KEY"`
	SchemaVersion   string       `env:"DATA_SYNC_SCHEMA_VERSION,default=1"`
	BatchSize       int          `env:"DATA_SYNC_BATCH_SIZE,default=100"`
	IntervalSeconds int          `env:"DATA_SYNC_INTERVAL_SECONDS,default=30"`
	MaxPageCount    int          `env:"DATA_SYNC_MAX_PAGE_COUNT,default=0"`
	MaxPayloadBytes int          `env:"DATA_SYNC_MAX_PAYLOAD_BYTES,default=1048576"`
	Transport       string       `env:"DATA_SYNC_TRANSPORT,default=http"`
	GrpcAddress     string       `env:"DATA_SYNC_GRPC_ADDRESS,default=localhost:8081"`
	CACert          *Certificate `env:"CA_CERT"`
}

func NewClientConfig() (*ClientConfig, error) {
	var config ClientConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.Transport != "http" && config.Transport != "grpc" {
		return nil, fmt.Errorf("DATA_SYNC_TRANSPORT must be http or grpc, got %q", config.Transport)
	}

	return &config, nil
}
