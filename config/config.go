package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AWS        AWSConfig
	DynamoDB   DynamoDBConfig
	NATS       NATSConfig
	Redis      RedisConfig
	Relays     RelayConfig
	Lightning  LightningConfig
	Settlement SettlementConfig
	Server     ServerConfig
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

type DynamoDBConfig struct {
	TableName        string
	MaxRetries       int
	UseLocalEndpoint bool
}

type NATSConfig struct {
	URL                  string
	MaxReconnect         int
	ReconnectWaitSeconds int
	TimeoutSeconds       int
}

type RedisConfig struct {
	Address  string
	Password string
}

type RelayConfig struct {
	URLs                []string
	FetchTimeoutSeconds int
	EventLimit          int
}

type LightningConfig struct {
	APIURL                string
	APIKey                string
	RequestTimeoutSeconds int
}

type SettlementConfig struct {
	SweepCron           string
	ReconcileCron       string
	CacheTTLSeconds     int
	CacheStaleSeconds   int
	DispatchTimeoutSecs int
}

type ServerConfig struct {
	Environment string
	LogLevel    string
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.AddConfigPath(configPath)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NOSTRFIT")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("relays.fetchtimeoutseconds", 4)
	viper.SetDefault("relays.eventlimit", 500)
	viper.SetDefault("lightning.requesttimeoutseconds", 30)
	viper.SetDefault("settlement.sweepcron", "*/5 * * * *")
	viper.SetDefault("settlement.reconcilecron", "17 * * * *")
	viper.SetDefault("settlement.cachettlseconds", 300)
	viper.SetDefault("settlement.cachestaleseconds", 60)
	viper.SetDefault("settlement.dispatchtimeoutsecs", 60)
	viper.SetDefault("server.loglevel", "info")
}

func (c *Config) RelayFetchTimeout() time.Duration {
	return time.Duration(c.Relays.FetchTimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Settlement.CacheTTLSeconds) * time.Second
}

func (c *Config) CacheStaleAfter() time.Duration {
	return time.Duration(c.Settlement.CacheStaleSeconds) * time.Second
}
