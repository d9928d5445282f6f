package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Relation RelationConfig `mapstructure:"relation"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AdminIPs restricts /api/admin to these addresses or CIDRs.
	// Empty allows any address that presents the admin key.
	AdminIPs []string `mapstructure:"admin_ips"`
}

// RelationConfig tunes the relationship transaction coordinator.
type RelationConfig struct {
	LockWait      time.Duration `mapstructure:"lock_wait"`      // max wait per pair-edge lock
	LockTTL       time.Duration `mapstructure:"lock_ttl"`       // lease on a held lock if the holder dies
	LockPoll      time.Duration `mapstructure:"lock_poll"`      // retry interval while waiting
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0 disables the invariant sweep
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Relation.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that a held lock outlives the longest wait for it.
func (r RelationConfig) Validate() error {
	if r.LockWait > 0 && r.LockTTL > 0 && r.LockTTL < 2*r.LockWait {
		return fmt.Errorf("config: relation.lock_ttl (%s) must be at least twice relation.lock_wait (%s)",
			r.LockTTL, r.LockWait)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/friendgraph.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.bcrypt_cost", 12)
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("relation.lock_wait", "3s")
	v.SetDefault("relation.lock_ttl", "30s")
	v.SetDefault("relation.lock_poll", "5ms")
	v.SetDefault("relation.sweep_interval", "10m")
}
