package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// RouterConfig describes the RouterOS API endpoint.
type RouterConfig struct {
	Host             string        `envconfig:"ROUTER_HOST"              required:"true"`
	Port             int           `envconfig:"ROUTER_PORT"              default:"8728"`
	Username         string        `envconfig:"ROUTER_USER"              default:"admin"`
	Password         string        `envconfig:"ROUTER_PASSWORD"`
	ConnectTimeout   time.Duration `envconfig:"ROUTER_CONNECT_TIMEOUT"   default:"10s"`
	ReadTimeout      time.Duration `envconfig:"ROUTER_READ_TIMEOUT"      default:"10s"`
	HandshakeTimeout time.Duration `envconfig:"ROUTER_HANDSHAKE_TIMEOUT" default:"10s"`
	ConnectAttempts  int           `envconfig:"ROUTER_CONNECT_ATTEMPTS"  default:"2"`
	ConnectBackoff   time.Duration `envconfig:"ROUTER_CONNECT_BACKOFF"   default:"500ms"`

	// Consecutive connect failures before dialing is suspended; 0 disables.
	BreakerThreshold int           `envconfig:"ROUTER_BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"ROUTER_BREAKER_COOLDOWN"  default:"30s"`
}

// ProvisionConfig controls account provisioning on the payment path.
type ProvisionConfig struct {
	Attempts   int           `envconfig:"PROVISION_ATTEMPTS"    default:"3"`
	RetryDelay time.Duration `envconfig:"PROVISION_RETRY_DELAY" default:"2s"`
	PlansFile  string        `envconfig:"PLANS_FILE"`
}

// PaymentConfig holds callback verification settings.
type PaymentConfig struct {
	AmountTolerance decimal.Decimal `envconfig:"AMOUNT_TOLERANCE"     default:"1"`
	VerifySourceIP  bool            `envconfig:"CALLBACK_VERIFY_IP"   default:"true"`
	AllowedIPs      []string        `envconfig:"CALLBACK_ALLOWED_IPS" default:"196.201.214.200,196.201.214.206,196.201.213.114,196.201.214.207,196.201.214.208"`
	StatusPollEvery time.Duration   `envconfig:"STATUS_POLL_INTERVAL" default:"2s"`
	// ProcessTimeout bounds one callback from lock to commit. It must cover
	// every provisioning attempt and the delays between them.
	ProcessTimeout time.Duration `envconfig:"CALLBACK_PROCESS_TIMEOUT" default:"3m"`
}

type HttpConfig struct {
	Addr         string        `json:"addr"          envconfig:"HTTP_ADDR"          default:"0.0.0.0:8000"`
	ReadTimeout  time.Duration `json:"read_timeout"  envconfig:"HTTP_READ_TIMEOUT"  default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `json:"idle_timeout"  envconfig:"HTTP_IDLE_TIMEOUT"  default:"60s"`

	// Proxies whose X-Forwarded-For is believed. Empty trusts none.
	TrustedProxies []string `json:"trusted_proxies" envconfig:"HTTP_TRUSTED_PROXIES"`
}

type ManagerAPIConfig struct {
	Addr         string        `envconfig:"API_ADDR"           default:":8081"`
	ReadTimeout  time.Duration `envconfig:"API_READ_TIMEOUT"   default:"10s"`
	WriteTimeout time.Duration `envconfig:"API_WRITE_TIMEOUT"  default:"60s"`
	IdleTimeout  time.Duration `envconfig:"API_IDLE_TIMEOUT"   default:"60s"`
	APIKeyHash   string        `envconfig:"ADMIN_API_KEY_HASH"`
}

// WorkerConfig drives the background reconciliation sweep.
type WorkerConfig struct {
	ReconcileInterval  time.Duration `envconfig:"RECONCILE_INTERVAL"   default:"5m"`
	ReconcileAfter     time.Duration `envconfig:"RECONCILE_AFTER"      default:"10m"`
	ReconcileBatchSize int           `envconfig:"RECONCILE_BATCH_SIZE" default:"50"`
	OpsRecipient       string        `envconfig:"OPS_NOTIFY_RECIPIENT" default:"ops"`
}

// Config holds the overall application configuration.
type Config struct {
	// Empty DatabaseURL selects the in-memory transaction store (development only).
	DatabaseURL   string        `envconfig:"DATABASE_URL"`
	DBLockTimeout time.Duration `envconfig:"DB_LOCK_TIMEOUT" default:"5s"`
	LogLevel      string        `envconfig:"LOG_LEVEL"       default:"info"`
	Router        RouterConfig
	Provision     ProvisionConfig
	Payment       PaymentConfig
	HttpConfig    HttpConfig
	ManagerAPI    ManagerAPIConfig
	WorkerConfig  WorkerConfig
}

// Load reads configuration from environment variables, after loading a .env
// file if one exists.
func Load() (*Config, error) {
	var cfg Config
	log.Println("Loading configuration from environment variables...")

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, skipping: %v", err)
	} else {
		log.Println(".env loaded")
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	log.Printf("Configuration loaded successfully (router %s:%d, http %s)", cfg.Router.Host, cfg.Router.Port, cfg.HttpConfig.Addr)
	return &cfg, nil
}

// LoadRouter reads only the router section. Used by the CLI, which has no
// use for the HTTP or database settings.
func LoadRouter() (*RouterConfig, error) {
	_ = godotenv.Load()
	var rc RouterConfig
	if err := envconfig.Process("", &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}
