// Package config parses flags and TEAMCTX_* environment overrides for the
// teams server (stdlib flag) and the teamctx client (pflag, shared with cobra).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const envPrefix = "TEAMCTX_"

// Config holds all server configuration.
type Config struct {
	Addr     string // listen address, e.g. ":8080"
	DBPath   string // path to SQLite database file
	SeedPath string // optional YAML seed of teams and members

	// Provider token verification.
	JWTSigningKey  string // HMAC secret string or path to PEM public key file
	JWTIssuer      string // expected "iss" (optional)
	JWTAudience    string // expected "aud" (optional)
	JWTUserIDClaim string // claim holding the user ID (default: "sub")

	// Team-bound tokens returned by switch-team. Empty key disables issuing.
	TokenSigningKey string
	TokenIssuer     string
	TokenTTL        time.Duration

	// Membership cache.
	MembershipCacheSize int
	MembershipCacheTTL  time.Duration

	ShutdownTimeout time.Duration
	OTelServiceName string // enables OTLP tracing when set

	// Database snapshots.
	BackupDir              string        // local snapshot directory (empty = disabled)
	BackupInterval         time.Duration // 0 = only at shutdown
	BackupRetention        int           // snapshots kept per location (0 = all)
	BackupS3Bucket         string
	BackupS3Region         string
	BackupS3Endpoint       string
	BackupS3Prefix         string
	BackupS3ForcePathStyle bool

	// Logging.
	LogFormat string // "json" (default) or "text"
	LogLevel  string // debug, info, warn, error
	AuditLogs bool
}

// Parse reads server configuration from the command line and environment.
// It exits on invalid input.
func Parse() *Config {
	c, err := parseServer(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	return c
}

func parseServer(fs *flag.FlagSet, args []string) (*Config, error) {
	c := &Config{}
	fs.StringVar(&c.Addr, "addr", ":8080", "listen address")
	fs.StringVar(&c.DBPath, "db", "teamctx.db", "SQLite database path")
	fs.StringVar(&c.SeedPath, "seed", "", "YAML file of teams and members applied at startup")

	fs.StringVar(&c.JWTSigningKey, "jwt-signing-key", "", "HMAC secret or path to PEM public key for provider tokens")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "", "expected JWT issuer claim (optional)")
	fs.StringVar(&c.JWTAudience, "jwt-audience", "", "expected JWT audience claim (optional)")
	fs.StringVar(&c.JWTUserIDClaim, "jwt-user-id-claim", "sub", "JWT claim holding the user ID")

	fs.StringVar(&c.TokenSigningKey, "token-signing-key", "", "HMAC secret or path to PEM private key for team tokens (empty = no tokens)")
	fs.StringVar(&c.TokenIssuer, "token-issuer", "teamctx", "issuer claim of team tokens")
	fs.DurationVar(&c.TokenTTL, "token-ttl", time.Hour, "team token lifetime")

	fs.IntVar(&c.MembershipCacheSize, "membership-cache-size", 1024, "users kept in the membership cache (0 = disabled)")
	fs.DurationVar(&c.MembershipCacheTTL, "membership-cache-ttl", 30*time.Second, "membership cache entry lifetime")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
	fs.StringVar(&c.OTelServiceName, "otel-service-name", "", "OpenTelemetry service name (empty = tracing disabled)")

	fs.StringVar(&c.BackupDir, "backup-dir", "", "directory for database snapshots (empty = disabled)")
	fs.DurationVar(&c.BackupInterval, "backup-interval", 0, "snapshot interval (0 = only at shutdown)")
	fs.IntVar(&c.BackupRetention, "backup-retention", 7, "snapshots kept locally and per destination (0 = all)")
	fs.StringVar(&c.BackupS3Bucket, "backup-s3-bucket", "", "S3 bucket receiving snapshots (empty = local only)")
	fs.StringVar(&c.BackupS3Region, "backup-s3-region", "us-east-1", "S3 region")
	fs.StringVar(&c.BackupS3Endpoint, "backup-s3-endpoint", "", "custom S3 endpoint (MinIO, R2)")
	fs.StringVar(&c.BackupS3Prefix, "backup-s3-prefix", "teamctx/", "S3 key prefix")
	fs.BoolVar(&c.BackupS3ForcePathStyle, "backup-s3-force-path-style", false, "use path-style S3 addressing")

	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&c.AuditLogs, "audit-logs", true, "enable structured audit logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	envString("ADDR", &c.Addr)
	envString("DB", &c.DBPath)
	envString("SEED", &c.SeedPath)
	envString("JWT_SIGNING_KEY", &c.JWTSigningKey)
	envString("JWT_ISSUER", &c.JWTIssuer)
	envString("JWT_AUDIENCE", &c.JWTAudience)
	envString("JWT_USER_ID_CLAIM", &c.JWTUserIDClaim)
	envString("TOKEN_SIGNING_KEY", &c.TokenSigningKey)
	envString("TOKEN_ISSUER", &c.TokenIssuer)
	envDuration("TOKEN_TTL", &c.TokenTTL)
	envInt("MEMBERSHIP_CACHE_SIZE", &c.MembershipCacheSize)
	envDuration("MEMBERSHIP_CACHE_TTL", &c.MembershipCacheTTL)
	envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	envString("OTEL_SERVICE_NAME", &c.OTelServiceName)
	envString("BACKUP_DIR", &c.BackupDir)
	envDuration("BACKUP_INTERVAL", &c.BackupInterval)
	envInt("BACKUP_RETENTION", &c.BackupRetention)
	envString("BACKUP_S3_BUCKET", &c.BackupS3Bucket)
	envString("BACKUP_S3_REGION", &c.BackupS3Region)
	envString("BACKUP_S3_ENDPOINT", &c.BackupS3Endpoint)
	envString("BACKUP_S3_PREFIX", &c.BackupS3Prefix)
	if v := os.Getenv(envPrefix + "BACKUP_S3_FORCE_PATH_STYLE"); v == "true" {
		c.BackupS3ForcePathStyle = true
	}
	envString("LOG_FORMAT", &c.LogFormat)
	envString("LOG_LEVEL", &c.LogLevel)
	if v := os.Getenv(envPrefix + "AUDIT_LOGS"); v == "false" {
		c.AuditLogs = false
	}

	if c.JWTSigningKey == "" {
		return nil, errors.New("jwt-signing-key (or TEAMCTX_JWT_SIGNING_KEY) is required")
	}
	if c.BackupS3Bucket != "" && c.BackupDir == "" {
		return nil, errors.New("backup-s3-bucket needs backup-dir")
	}
	return c, nil
}

// ClientConfig holds configuration of the teamctx command-line client.
type ClientConfig struct {
	APIURL string // teams backend base URL

	// OIDC sign-in. When OIDCIssuer is empty, Token is used as a static session.
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCScopes       []string
	CallbackAddr     string // local address for the login redirect

	Token string // pre-issued access token

	SessionDB       string        // SQLite file persisting the OIDC session
	SessionRedis    string        // Redis address persisting the OIDC session, instead of SessionDB
	SessionKey      string        // base64 AES-256 key sealing stored tokens (empty = plaintext)
	RefreshInterval time.Duration // background refresh check (0 = off)
	Timeout         time.Duration
	Gzip            bool

	LogFormat string
	LogLevel  string
}

// RegisterFlags defines the client flags on fs. Call Finalize after parsing.
func (c *ClientConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.APIURL, "api-url", "http://localhost:8080", "teams backend URL")
	fs.StringVar(&c.OIDCIssuer, "oidc-issuer", "", "OIDC issuer URL (empty = use --token)")
	fs.StringVar(&c.OIDCClientID, "oidc-client-id", "", "OIDC client ID")
	fs.StringVar(&c.OIDCClientSecret, "oidc-client-secret", "", "OIDC client secret")
	fs.StringSliceVar(&c.OIDCScopes, "oidc-scopes", []string{"profile", "email"}, "additional OIDC scopes beyond openid")
	fs.StringVar(&c.CallbackAddr, "callback-addr", "127.0.0.1:8765", "local address receiving the login redirect")
	fs.StringVar(&c.Token, "token", "", "access token to use instead of OIDC sign-in")
	fs.StringVar(&c.SessionDB, "session-db", defaultSessionDB(), "SQLite file holding the signed-in session")
	fs.StringVar(&c.SessionRedis, "session-redis", "", "Redis address holding the signed-in session (overrides --session-db)")
	fs.StringVar(&c.SessionKey, "session-key", "", "base64 32-byte key encrypting stored tokens")
	fs.DurationVar(&c.RefreshInterval, "refresh-interval", 0, "background session refresh interval (0 = off)")
	fs.DurationVar(&c.Timeout, "timeout", 30*time.Second, "overall command timeout")
	fs.BoolVar(&c.Gzip, "gzip", false, "gzip request bodies")
	fs.StringVar(&c.LogFormat, "log-format", "text", "log format: json or text")
	fs.StringVar(&c.LogLevel, "log-level", "warn", "log level: debug, info, warn, error")
}

// Finalize applies TEAMCTX_* environment overrides and validates the result.
func (c *ClientConfig) Finalize() error {
	envString("API_URL", &c.APIURL)
	envString("OIDC_ISSUER", &c.OIDCIssuer)
	envString("OIDC_CLIENT_ID", &c.OIDCClientID)
	envString("OIDC_CLIENT_SECRET", &c.OIDCClientSecret)
	if v := os.Getenv(envPrefix + "OIDC_SCOPES"); v != "" {
		c.OIDCScopes = strings.Split(v, ",")
	}
	envString("CALLBACK_ADDR", &c.CallbackAddr)
	envString("TOKEN", &c.Token)
	envString("SESSION_DB", &c.SessionDB)
	envString("SESSION_REDIS", &c.SessionRedis)
	envString("SESSION_KEY", &c.SessionKey)
	envDuration("REFRESH_INTERVAL", &c.RefreshInterval)
	envDuration("TIMEOUT", &c.Timeout)
	if v := os.Getenv(envPrefix + "GZIP"); v == "true" {
		c.Gzip = true
	}
	envString("LOG_FORMAT", &c.LogFormat)
	envString("LOG_LEVEL", &c.LogLevel)

	scopes := c.OIDCScopes[:0]
	for _, s := range c.OIDCScopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	c.OIDCScopes = scopes
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		return errors.New("oidc-client-id is required with oidc-issuer")
	}
	return nil
}

// ParseClient parses client flags from args and returns the config and the
// remaining positional arguments.
func ParseClient(name string, args []string) (*ClientConfig, []string, error) {
	c := &ClientConfig{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := c.Finalize(); err != nil {
		return nil, nil, err
	}
	return c, fs.Args(), nil
}

func defaultSessionDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "teamctx-session.db"
	}
	return filepath.Join(dir, "teamctx", "session.db")
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
