// Package config assembles the service configuration from environment
// variables with an optional TOML file underneath: every API_* variable
// wins over its file entry. It also implements the client-side host
// discovery chain for tooling that needs to find a running API.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults for settings neither the environment nor the file provide.
const (
	DefaultPort      = 7777
	DefaultSolrPort  = 8983
	DefaultMongoPort = 27017
	DefaultRedisPort = 6379
	DefaultCacheExp  = 3600
)

// DefaultServices are enabled when API_SERVICES is unset.
const DefaultServices = "databrowser,zarr-stream"

// Server holds the resolved service configuration.
type Server struct {
	ConfigFile string
	Port       int
	Proxy      string
	Debug      bool
	Services   map[string]bool

	SolrHost string
	SolrCore string

	MongoHost     string
	MongoUser     string
	MongoPassword string
	MongoDB       string

	RedisHost     string
	RedisUser     string
	RedisPassword string
	RedisCertFile string
	RedisKeyFile  string
	CacheExp      int

	OIDCDiscoveryURL string
	OIDCClientID     string
	OIDCClientSecret string
}

// fileConfig mirrors the TOML layout of the server config file.
type fileConfig struct {
	RestAPI struct {
		Port     int      `toml:"port"`
		Proxy    string   `toml:"proxy"`
		Debug    bool     `toml:"debug"`
		Services []string `toml:"services"`
	} `toml:"restAPI"`
	OIDC struct {
		DiscoveryURL string `toml:"discovery_url"`
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
	} `toml:"oidc"`
	Mongo struct {
		Hostname string `toml:"hostname"`
		Port     int    `toml:"port"`
		User     string `toml:"user"`
		Password string `toml:"password"`
		Name     string `toml:"name"`
	} `toml:"mongo_db"`
	Solr struct {
		Hostname string `toml:"hostname"`
		Port     int    `toml:"port"`
		Core     string `toml:"core"`
	} `toml:"solr"`
	Cache struct {
		Hostname string `toml:"hostname"`
		Port     int    `toml:"port"`
		User     string `toml:"user"`
		Password string `toml:"password"`
		Exp      int    `toml:"exp"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
	} `toml:"cache"`

	solrPort  int
	mongoPort int
	redisPort int
}

// LoadServer resolves the configuration. path overrides API_CONFIG; an
// empty path with no API_CONFIG set skips the file layer entirely.
func LoadServer(path string) (*Server, error) {
	if path == "" {
		path = os.Getenv("API_CONFIG")
	}
	var file fileConfig
	if path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	file.solrPort = intOr(file.Solr.Port, DefaultSolrPort)
	file.mongoPort = intOr(file.Mongo.Port, DefaultMongoPort)
	file.redisPort = intOr(file.Cache.Port, DefaultRedisPort)

	cfg := &Server{
		ConfigFile: path,
		Port:       envInt("API_PORT", intOr(file.RestAPI.Port, DefaultPort)),
		Proxy:      envOr("API_PROXY", file.RestAPI.Proxy),
		Debug:      envBool("DEBUG") || file.RestAPI.Debug,

		SolrHost: envOr("API_SOLR_HOST", file.Solr.Hostname),
		SolrCore: envOr("API_SOLR_CORE", file.Solr.Core),

		MongoHost:     envOr("API_MONGO_HOST", file.Mongo.Hostname),
		MongoUser:     envOr("API_MONGO_USER", file.Mongo.User),
		MongoPassword: envOr("API_MONGO_PASSWORD", file.Mongo.Password),
		MongoDB:       envOr("API_MONGO_DB", file.Mongo.Name),

		RedisHost:     envOr("API_REDIS_HOST", file.Cache.Hostname),
		RedisUser:     envOr("API_REDIS_USER", file.Cache.User),
		RedisPassword: envOr("API_REDIS_PASSWORD", file.Cache.Password),
		RedisCertFile: envOr("API_REDIS_SSL_CERTFILE", file.Cache.CertFile),
		RedisKeyFile:  envOr("API_REDIS_SSL_KEYFILE", file.Cache.KeyFile),
		CacheExp:      envInt("API_CACHE_EXP", intOr(file.Cache.Exp, DefaultCacheExp)),

		OIDCDiscoveryURL: envOr("API_OIDC_DISCOVERY_URL", file.OIDC.DiscoveryURL),
		OIDCClientID:     envOr("API_OIDC_CLIENT_ID", file.OIDC.ClientID),
		OIDCClientSecret: envOr("API_OIDC_CLIENT_SECRET", file.OIDC.ClientSecret),
	}

	services := envOr("API_SERVICES", strings.Join(file.RestAPI.Services, ","))
	if services == "" {
		services = DefaultServices
	}
	cfg.Services = map[string]bool{}
	for _, s := range strings.Split(services, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Services[s] = true
		}
	}

	if cfg.Proxy == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cfg.Proxy = "http://" + host
	}
	cfg.SolrHost = hostPort(cfg.SolrHost, file.solrPort)
	cfg.MongoHost = hostPort(cfg.MongoHost, file.mongoPort)
	cfg.RedisHost = hostPort(cfg.RedisHost, file.redisPort)
	return cfg, nil
}

// SolrBaseURL is the address of the index server, scheme included.
func (s *Server) SolrBaseURL() string {
	url := s.SolrHost
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	return url
}

// SolrCores returns the versioned core and the "latest" core.
func (s *Server) SolrCores() [2]string {
	return [2]string{s.SolrCore, "latest"}
}

// MongoURI builds the document store connection string.
func (s *Server) MongoURI() string {
	host := strings.TrimPrefix(s.MongoHost, "mongodb://")
	switch {
	case s.MongoUser != "" && s.MongoPassword != "":
		return fmt.Sprintf("mongodb://%s:%s@%s", s.MongoUser, s.MongoPassword, host)
	case s.MongoUser != "":
		return fmt.Sprintf("mongodb://%s@%s", s.MongoUser, host)
	}
	return "mongodb://" + host
}

// RedisURL builds the cache connection string.
func (s *Server) RedisURL() string {
	host := s.RedisHost
	if !strings.Contains(host, "://") {
		host = "redis://" + host
	}
	return host
}

// RedisTLS loads the client certificate pair for the cache connection,
// or nil when none is configured.
func (s *Server) RedisTLS() (*tls.Config, error) {
	if s.RedisCertFile == "" || s.RedisKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.RedisCertFile, s.RedisKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load redis client certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// hostPort appends the default port unless the host already names one.
func hostPort(host string, port int) string {
	if host == "" {
		return ""
	}
	rest := host
	if _, after, found := strings.Cut(host, "://"); found {
		rest = after
	}
	if strings.Contains(rest, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}
