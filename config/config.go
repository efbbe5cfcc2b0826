package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
)

type Config struct {
	LedgerEndpoint  string
	ContractAddress string
	AdminKey        string // operator account, signs administrative transactions
	UserKey         string // signs vote transactions on behalf of end users
	ChainID         int64  // 0: ask the node
	ContractABIPath string // optional override of the embedded ABI

	DBDialect  string // postgres only
	DBDsn      string // DSN string passed to GORM driver
	StorageDir string // JSON identity store, used when DATABASE_URL is unset

	ListenAddr     string
	LedgerTimeout  time.Duration
	ConfirmTimeout time.Duration
	ConfirmWorkers int
	AdminGasLimit  uint64
	VoteGasLimit   uint64
	GasPriceGwei   int64
	StartTolerance time.Duration
	ReadRetries    int
	VoteRateLimit  float64 // votes per second per identity
	VoteRateBurst  int

	Debug    bool
	LogLevel string
}

// LoadEnvFile loads a .env file into the process environment if it exists.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger_endpoint", "http://localhost:8545")
	v.SetDefault("chain_id", 0)
	v.SetDefault("storage_dir", "voting_data")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("ledger_timeout", 30*time.Second)
	v.SetDefault("confirm_timeout", 2*time.Minute)
	v.SetDefault("confirm_workers", 2)
	v.SetDefault("admin_gas_limit", 100000)
	v.SetDefault("vote_gas_limit", 300000)
	v.SetDefault("gas_price_gwei", 20)
	v.SetDefault("start_tolerance", time.Minute)
	v.SetDefault("read_retries", 3)
	v.SetDefault("vote_rate_limit", 1.0)
	v.SetDefault("vote_rate_burst", 3)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "")
}

// Load reads configuration from the environment and, when configFile is
// not empty, from that file. Environment variables win.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := Config{
		LedgerEndpoint:  strings.TrimSpace(v.GetString("ledger_endpoint")),
		ContractAddress: strings.TrimSpace(v.GetString("contract_address")),
		AdminKey:        strings.TrimSpace(v.GetString("admin_key")),
		UserKey:         strings.TrimSpace(v.GetString("user_key")),
		ChainID:         v.GetInt64("chain_id"),
		ContractABIPath: v.GetString("contract_abi_path"),
		StorageDir:      v.GetString("storage_dir"),
		ListenAddr:      v.GetString("listen_addr"),
		LedgerTimeout:   v.GetDuration("ledger_timeout"),
		ConfirmTimeout:  v.GetDuration("confirm_timeout"),
		ConfirmWorkers:  v.GetInt("confirm_workers"),
		AdminGasLimit:   v.GetUint64("admin_gas_limit"),
		VoteGasLimit:    v.GetUint64("vote_gas_limit"),
		GasPriceGwei:    v.GetInt64("gas_price_gwei"),
		StartTolerance:  v.GetDuration("start_tolerance"),
		ReadRetries:     v.GetInt("read_retries"),
		VoteRateLimit:   v.GetFloat64("vote_rate_limit"),
		VoteRateBurst:   v.GetInt("vote_rate_burst"),
		Debug:           v.GetBool("debug"),
		LogLevel:        v.GetString("log_level"),
	}

	if dbURL := strings.TrimSpace(v.GetString("database_url")); dbURL != "" {
		dialect, dsn, err := parseDatabaseURL(dbURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		cfg.DBDialect = dialect
		cfg.DBDsn = dsn
	}

	return cfg, nil
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	switch strings.ToLower(u.Scheme) {
	case DatabaseSchemePostgres, "postgresql":
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

// Validate checks the options needed to serve requests.
func (c Config) Validate() error {
	var errs []error
	if c.LedgerEndpoint == "" {
		errs = append(errs, errors.New("LEDGER_ENDPOINT is required"))
	}
	if c.ContractAddress == "" {
		errs = append(errs, errors.New("CONTRACT_ADDRESS is required"))
	}
	if c.AdminKey == "" {
		errs = append(errs, errors.New("ADMIN_KEY is required"))
	}
	if c.UserKey == "" {
		errs = append(errs, errors.New("USER_KEY is required"))
	}
	if c.LedgerTimeout <= 0 {
		errs = append(errs, errors.New("LEDGER_TIMEOUT must be positive"))
	}
	if c.AdminGasLimit == 0 || c.VoteGasLimit == 0 {
		errs = append(errs, errors.New("gas limits must be positive"))
	}
	if c.GasPriceGwei <= 0 {
		errs = append(errs, errors.New("GAS_PRICE_GWEI must be positive"))
	}
	if c.ConfirmWorkers < 1 {
		errs = append(errs, errors.New("CONFIRM_WORKERS must be at least 1"))
	}
	if c.ReadRetries < 0 {
		errs = append(errs, errors.New("READ_RETRIES must not be negative"))
	}
	if c.VoteRateLimit <= 0 || c.VoteRateBurst < 1 {
		errs = append(errs, errors.New("vote rate limit must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) UsesDatabase() bool {
	return c.DBDialect != "" && c.DBDsn != ""
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"ledger=%s contract=%s chain_id=%d admin_key=%s user_key=%s db=%s dsn=%s storage_dir=%s listen=%s ledger_timeout=%s",
		c.LedgerEndpoint,
		c.ContractAddress,
		c.ChainID,
		maskKey(c.AdminKey),
		maskKey(c.UserKey),
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.StorageDir,
		c.ListenAddr,
		c.LedgerTimeout,
	)
}

func maskKey(key string) string {
	if key == "" {
		return "unset"
	}
	return "***"
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				u.User = url.User(u.User.Username())
			}
			return u.String()
		}
		// key-value DSN
		parts := strings.Fields(dsn)
		for i, p := range parts {
			if strings.HasPrefix(strings.ToLower(p), "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
