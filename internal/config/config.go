package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arkade-os/fedmint/internal/core/application"
	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	alertsmanager "github.com/arkade-os/fedmint/internal/infrastructure/alertsmanager"
	"github.com/arkade-os/fedmint/internal/infrastructure/chain/esplora"
	"github.com/arkade-os/fedmint/internal/infrastructure/db"
	watermillbus "github.com/arkade-os/fedmint/internal/infrastructure/events/watermill"
	inmemorylivestore "github.com/arkade-os/fedmint/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/arkade-os/fedmint/internal/infrastructure/live-store/redis"
	"github.com/arkade-os/fedmint/internal/infrastructure/metrics"
	timescheduler "github.com/arkade-os/fedmint/internal/infrastructure/scheduler/gocron"
	wstransport "github.com/arkade-os/fedmint/internal/infrastructure/transport/websocket"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	supportedDbs = supportedType{
		"badger":   {},
		"bolt":     {},
		"sqlite":   {},
		"postgres": {},
	}
	supportedLiveStores = supportedType{
		"inmemory": {},
		"redis":    {},
	}
)

type Config struct {
	Datadir  string
	Port     uint32
	LogLevel int

	DbType            string
	DbDir             string
	DbUrl             string
	DbAutoCreate      bool
	LiveStoreType     string
	RedisUrl          string
	RedisNumOfRetries int

	FederationConfigPath string
	SecretConfigPath     string
	PeerListen           string

	EpochInterval         time.Duration
	RoundTimeout          time.Duration
	WalletRoundEpochs     uint64
	MaxPegOutsPerRound    int
	MaxTxsPerContribution int
	PegOutFee             uint64
	ChainPollInterval     time.Duration

	RateLimit  float64
	RateBurst  int
	MaxWait    time.Duration
	NoMetrics  bool
	EnableCors bool

	EsploraURL            string
	AlertManagerURL       string
	OtelCollectorEndpoint string

	// Self is read from the secret config.
	Self domain.PeerID

	federation *domain.Federation
	secrets    *domain.PeerSecrets
	repo       ports.RepoManager
	svc        application.Service
	chain      esplora.Service
	transport  ports.Transport
	scheduler  ports.SchedulerService
	liveStore  ports.LiveStore
	eventBus   ports.EventBus
	alerts     ports.Alerts
	metrics    *metrics.Service
}

func (c *Config) String() string {
	clone := *c
	if clone.DbUrl != "" {
		clone.DbUrl = "••••••"
	}
	if clone.RedisUrl != "" {
		clone.RedisUrl = "••••••"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir               = btcutil.AppDataDir("fedmintd", false)
	DefaultPort                  = 7070
	defaultPeerListen            = ":7100"
	defaultLogLevel              = 4
	defaultDbType                = "badger"
	defaultLiveStoreType         = "inmemory"
	defaultRedisNumOfRetries     = 10
	defaultEsploraURL            = "https://blockstream.info/api"
	defaultEpochInterval         = 2 * time.Second
	defaultRoundTimeout          = 10 * time.Second
	defaultWalletRoundEpochs     = 10
	defaultMaxPegOutsPerRound    = 100
	defaultMaxTxsPerContribution = 500
	defaultPegOutFee             = 0
	defaultChainPollInterval     = 30 * time.Second
	defaultRateLimit             = float64(0) // disabled by default
	defaultRateBurst             = 20
	defaultMaxWait               = time.Minute
)

// env returns a list of strings prefixed with `FEDMINT_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("FEDMINT_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	Port = &cli.UintFlag{
		Usage: "Port (public) of the client api",
		Name:  "port", EnvVars: env("PORT"),
		Value: uint(DefaultPort),
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (badger, bolt, sqlite, postgres)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	DbUrl = &cli.StringFlag{
		Usage: "Postgres connection url if FEDMINT_DB_TYPE is set to postgres",
		Name:  "pg-db-url", EnvVars: env("PG_DB_URL"),
	}

	DbAutoCreate = &cli.BoolFlag{
		Usage: "Create the postgres database if it does not exist",
		Name:  "pg-auto-create", EnvVars: env("PG_AUTO_CREATE"),
	}

	LiveStoreType = &cli.StringFlag{
		Usage: "Live store type (inmemory, redis)",
		Name:  "live-store-type", EnvVars: env("LIVE_STORE_TYPE"),
		Value: defaultLiveStoreType,
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis db connection url if FEDMINT_LIVE_STORE_TYPE is set to redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	RedisNumOfRetries = &cli.IntFlag{
		Usage: "Maximum number of retries for Redis write operations in case of conflicts",
		Name:  "redis-num-of-retries", EnvVars: env("REDIS_NUM_OF_RETRIES"),
		Value: defaultRedisNumOfRetries,
	}

	FederationConfig = &cli.StringFlag{
		Usage: "Path of the federation config, defaults to <datadir>/" + FederationFileName,
		Name:  "federation-config", EnvVars: env("FEDERATION_CONFIG"),
	}

	SecretConfig = &cli.StringFlag{
		Usage: "Path of the secret config of this peer, defaults to <datadir>/secrets.json",
		Name:  "secret-config", EnvVars: env("SECRET_CONFIG"),
	}

	PeerListen = &cli.StringFlag{
		Usage: "Address the peer endpoint listens on",
		Name:  "peer-listen", EnvVars: env("PEER_LISTEN"),
		Value: defaultPeerListen,
	}

	EpochInterval = &cli.DurationFlag{
		Usage: "Min time between two consensus epochs",
		Name:  "epoch-interval", EnvVars: env("EPOCH_INTERVAL"),
		Value: defaultEpochInterval,
	}

	RoundTimeout = &cli.DurationFlag{
		Usage: "How long a consensus round waits for the contributions of the peers",
		Name:  "round-timeout", EnvVars: env("ROUND_TIMEOUT"),
		Value: defaultRoundTimeout,
	}

	WalletRoundEpochs = &cli.Uint64Flag{
		Usage: "Number of epochs between two wallet rounds",
		Name:  "wallet-round-epochs", EnvVars: env("WALLET_ROUND_EPOCHS"),
		Value: uint64(defaultWalletRoundEpochs),
	}

	MaxPegOutsPerRound = &cli.IntFlag{
		Usage: "Max number of peg-outs batched in a single peg-out tx",
		Name:  "max-pegouts-per-round", EnvVars: env("MAX_PEGOUTS_PER_ROUND"),
		Value: defaultMaxPegOutsPerRound,
	}

	MaxTxsPerContribution = &cli.IntFlag{
		Usage: "Max number of pending txs proposed in a single contribution",
		Name:  "max-txs-per-contribution", EnvVars: env("MAX_TXS_PER_CONTRIBUTION"),
		Value: defaultMaxTxsPerContribution,
	}

	PegOutFee = &cli.Uint64Flag{
		Usage: "Federation fee in sats charged on top of the chain fee of every peg-out",
		Name:  "pegout-fee", EnvVars: env("PEGOUT_FEE"),
		Value: uint64(defaultPegOutFee),
	}

	ChainPollInterval = &cli.DurationFlag{
		Usage: "How often the chain is polled for height and fee rate",
		Name:  "chain-poll-interval", EnvVars: env("CHAIN_POLL_INTERVAL"),
		Value: defaultChainPollInterval,
	}

	RateLimit = &cli.Float64Flag{
		Usage: "Max number of client requests per second per ip, 0 disables it",
		Name:  "rate-limit", EnvVars: env("RATE_LIMIT"),
		Value: defaultRateLimit,
	}

	RateBurst = &cli.IntFlag{
		Usage: "Max burst of client requests per ip",
		Name:  "rate-burst", EnvVars: env("RATE_BURST"),
		Value: defaultRateBurst,
	}

	MaxWait = &cli.DurationFlag{
		Usage: "Max time a client can wait for the signature of an outpoint",
		Name:  "max-wait", EnvVars: env("MAX_WAIT"),
		Value: defaultMaxWait,
	}

	NoMetrics = &cli.BoolFlag{
		Usage: "Disable the prometheus metrics endpoint",
		Name:  "no-metrics", EnvVars: env("NO_METRICS"),
	}

	EnableCors = &cli.BoolFlag{
		Usage: "Enable CORS on the client api",
		Name:  "enable-cors", EnvVars: env("ENABLE_CORS"),
	}

	EsploraURL = &cli.StringFlag{
		Usage: "Esplora API URL",
		Name:  "esplora-url", EnvVars: env("ESPLORA_URL"),
		Value: defaultEsploraURL,
	}

	AlertManagerURL = &cli.StringFlag{
		Usage: "Alertmanager API URL, alerts are disabled if not set",
		Name:  "alert-manager-url", EnvVars: env("ALERT_MANAGER_URL"),
	}

	OtelCollectorEndpoint = &cli.StringFlag{
		Usage: "OpenTelemetry collector endpoint (host:port), tracing is disabled if not set",
		Name:  "otel-collector-endpoint", EnvVars: env("OTEL_COLLECTOR_ENDPOINT"),
	}
)

var Flags = []cli.Flag{
	Datadir,
	Port,
	LogLevel,
	DbType,
	DbUrl,
	DbAutoCreate,
	LiveStoreType,
	RedisUrl,
	RedisNumOfRetries,
	FederationConfig,
	SecretConfig,
	PeerListen,
	EpochInterval,
	RoundTimeout,
	WalletRoundEpochs,
	MaxPegOutsPerRound,
	MaxTxsPerContribution,
	PegOutFee,
	ChainPollInterval,
	RateLimit,
	RateBurst,
	MaxWait,
	NoMetrics,
	EnableCors,
	EsploraURL,
	AlertManagerURL,
	OtelCollectorEndpoint,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	datadir := c.String(Datadir.Name)

	var dbUrl string
	if c.String(DbType.Name) == "postgres" {
		dbUrl = c.String(DbUrl.Name)
		if dbUrl == "" {
			return nil, fmt.Errorf("db type set to 'postgres' but db url is missing")
		}
	}

	var redisUrl string
	if c.String(LiveStoreType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("live store type set to 'redis' but redis url is missing")
		}
	}

	federationPath := c.String(FederationConfig.Name)
	if federationPath == "" {
		federationPath = filepath.Join(datadir, FederationFileName)
	}
	secretPath := c.String(SecretConfig.Name)
	if secretPath == "" {
		secretPath = filepath.Join(datadir, "secrets.json")
	}

	return &Config{
		Datadir:               datadir,
		Port:                  uint32(c.Uint(Port.Name)),
		LogLevel:              c.Int(LogLevel.Name),
		DbType:                c.String(DbType.Name),
		DbDir:                 filepath.Join(datadir, "db"),
		DbUrl:                 dbUrl,
		DbAutoCreate:          c.Bool(DbAutoCreate.Name),
		LiveStoreType:         c.String(LiveStoreType.Name),
		RedisUrl:              redisUrl,
		RedisNumOfRetries:     c.Int(RedisNumOfRetries.Name),
		FederationConfigPath:  federationPath,
		SecretConfigPath:      secretPath,
		PeerListen:            c.String(PeerListen.Name),
		EpochInterval:         c.Duration(EpochInterval.Name),
		RoundTimeout:          c.Duration(RoundTimeout.Name),
		WalletRoundEpochs:     c.Uint64(WalletRoundEpochs.Name),
		MaxPegOutsPerRound:    c.Int(MaxPegOutsPerRound.Name),
		MaxTxsPerContribution: c.Int(MaxTxsPerContribution.Name),
		PegOutFee:             c.Uint64(PegOutFee.Name),
		ChainPollInterval:     c.Duration(ChainPollInterval.Name),
		RateLimit:             c.Float64(RateLimit.Name),
		RateBurst:             c.Int(RateBurst.Name),
		MaxWait:               c.Duration(MaxWait.Name),
		NoMetrics:             c.Bool(NoMetrics.Name),
		EnableCors:            c.Bool(EnableCors.Name),
		EsploraURL:            c.String(EsploraURL.Name),
		AlertManagerURL:       c.String(AlertManagerURL.Name),
		OtelCollectorEndpoint: c.String(OtelCollectorEndpoint.Name),
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

// Validate checks the config and prepares the services that don't hold any
// resource. The repositories and the peer transport are only opened by AppService.
func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedLiveStores.supports(c.LiveStoreType) {
		return fmt.Errorf(
			"live store type not supported, please select one of: %s",
			supportedLiveStores,
		)
	}
	if c.EpochInterval <= 0 {
		return fmt.Errorf("epoch interval must be positive")
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("round timeout must be positive")
	}
	if c.PeerListen == "" {
		return fmt.Errorf("missing peer listen address")
	}
	if err := c.federationConfig(); err != nil {
		return err
	}
	if err := c.chainService(); err != nil {
		return err
	}
	if err := c.liveStoreService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.eventBusService(); err != nil {
		return err
	}
	if err := c.alertsService(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *Config) MetricsService() (*metrics.Service, error) {
	if c.metrics == nil {
		if err := c.metricsService(); err != nil {
			return nil, err
		}
	}
	return c.metrics, nil
}

// PegInProofSource returns nil if Validate was not called.
func (c *Config) PegInProofSource() ports.PegInProofSource {
	if c.chain == nil {
		return nil
	}
	return c.chain
}

func (c *Config) Federation() *domain.Federation {
	return c.federation
}

func (c *Config) federationConfig() error {
	fed, err := LoadFederation(c.FederationConfigPath)
	if err != nil {
		return err
	}
	self, secrets, err := LoadSecrets(c.SecretConfigPath)
	if err != nil {
		return err
	}
	peer, ok := fed.Peer(self)
	if !ok {
		return fmt.Errorf("%s is not part of the federation", self)
	}
	if !peer.IdentityKey.IsEqual(secrets.IdentityKey.PubKey()) {
		return fmt.Errorf("identity key of %s does not match the federation config", self)
	}

	c.federation = fed
	c.secrets = secrets
	c.Self = self
	return nil
}

func (c *Config) repoManager() error {
	logger := log.New()

	var dataStoreConfig []interface{}
	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "bolt", "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	case "postgres":
		dataStoreConfig = []interface{}{c.DbUrl, c.DbAutoCreate}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:     c.DbType,
		HealthStoreType:   "badger",
		DataStoreConfig:   dataStoreConfig,
		HealthStoreConfig: []interface{}{filepath.Join(c.Datadir, "health"), logger},
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) chainService() error {
	svc, err := esplora.NewService(c.EsploraURL)
	if err != nil {
		return err
	}

	c.chain = svc
	return nil
}

func (c *Config) transportService() error {
	svc, err := wstransport.NewTransport(wstransport.Config{
		Self:        c.Self,
		Federation:  c.federation,
		IdentityKey: c.secrets.IdentityKey,
		ListenAddr:  c.PeerListen,
	})
	if err != nil {
		return err
	}

	c.transport = svc
	return nil
}

func (c *Config) liveStoreService() error {
	if c.federation == nil {
		return fmt.Errorf("federation not set")
	}
	threshold := c.federation.Quorum().Threshold()

	var liveStoreSvc ports.LiveStore
	switch c.LiveStoreType {
	case "inmemory":
		liveStoreSvc = inmemorylivestore.NewLiveStore(threshold)
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		liveStoreSvc = redislivestore.NewLiveStore(rdb, threshold, c.RedisNumOfRetries)
	default:
		return fmt.Errorf("unknown liveStore type")
	}

	c.liveStore = liveStoreSvc
	return nil
}

func (c *Config) schedulerService() error {
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) eventBusService() error {
	c.eventBus = watermillbus.NewEventBus()
	return nil
}

func (c *Config) metricsService() error {
	if c.repo == nil {
		if err := c.repoManager(); err != nil {
			return err
		}
	}
	c.metrics = metrics.NewService(c.eventBus, c.repo.PeerHealth())
	return nil
}

func (c *Config) appService() error {
	if c.federation == nil {
		return fmt.Errorf("config not validated")
	}
	if c.repo == nil {
		if err := c.repoManager(); err != nil {
			return err
		}
	}
	if err := c.transportService(); err != nil {
		return err
	}

	svc, err := application.NewService(
		application.Config{
			Self:                  c.Self,
			Federation:            c.federation,
			Secrets:               c.secrets,
			RoundTimeout:          c.RoundTimeout,
			EpochInterval:         c.EpochInterval,
			WalletRoundEpochs:     c.WalletRoundEpochs,
			MaxPegOutsPerRound:    c.MaxPegOutsPerRound,
			PegOutFee:             domain.Amount(c.PegOutFee),
			MaxTxsPerContribution: c.MaxTxsPerContribution,
			ChainPollInterval:     c.ChainPollInterval,
		},
		c.repo, c.chain, c.transport, c.liveStore, c.scheduler, c.eventBus, c.alerts,
	)
	if err != nil {
		c.transport.Close()
		return err
	}

	c.svc = svc
	return nil
}

func (c *Config) alertsService() error {
	if c.AlertManagerURL == "" {
		return nil
	}

	c.alerts = alertsmanager.NewService(c.AlertManagerURL, c.EsploraURL, c.Self.String())
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	sort.Strings(types)
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
