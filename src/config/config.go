package config

import (
	"crypto/ecdsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/common"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultStorageDir is the default name of the folder, under the config
	// directory, that holds the feeds tree.
	DefaultStorageDir = "storage"

	// DefaultConfigDir is the default top-level directory, before home
	// expansion.
	DefaultConfigDir = "~/.kachery-p2p"
)

// Default configuration values.
const (
	DefaultLogLevel         = "info"
	DefaultBindAddr         = "127.0.0.1:14507"
	DefaultServiceAddr      = "127.0.0.1:14508"
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultMaxPool          = 2
	DefaultChannel          = "default"
	DefaultCacheSize        = 1000
	DefaultLocationTTL      = 5 * time.Minute
	DefaultDiscoveryTimeout = 2 * time.Second
	DefaultBootstrapTimeout = feeds.DefaultBootstrapTimeout
	DefaultWatchSettle      = feeds.DefaultWatchSettleDelay
	DefaultMaxSubmitAge     = 30 * time.Minute
)

// Config contains all the configuration properties of a kachery-p2p node.
type Config struct {
	// ConfigDir is the top-level directory containing the node key, the
	// feeds.json file, peers.json and, unless DataDir says otherwise, the
	// storage directory.
	ConfigDir string `mapstructure:"config-dir"`

	// DataDir is where the feeds tree is stored. Empty means
	// <ConfigDir>/storage.
	DataDir string `mapstructure:"storage"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node listens for other
	// nodes. Use AdvertiseAddr when the bound address is not the one peers
	// should dial.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of RPC connections. Long-poll requests add
	// their wait on top of it.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// Channel names the network this node belongs to. Nodes only find live
	// feeds on peers of the same channel.
	Channel string `mapstructure:"channel"`

	// Moniker is an optional human readable name for the node.
	Moniker string `mapstructure:"moniker"`

	// Peers are extra peers, as nodeId@host:port, added to those of
	// peers.json.
	Peers []string `mapstructure:"peers"`

	// DiscoveryTimeout bounds a single search for a live feed.
	DiscoveryTimeout time.Duration `mapstructure:"discovery-timeout"`

	// LocationTTL is how long a live feed location is cached.
	LocationTTL time.Duration `mapstructure:"location-ttl"`

	// CacheSize is the max number of live feed locations cached.
	CacheSize int `mapstructure:"cache-size"`

	// BootstrapTimeout bounds the first remote pull of a subfeed that is not
	// writable locally.
	BootstrapTimeout time.Duration `mapstructure:"bootstrap-timeout"`

	// WatchSettle is how long watchForNewMessages keeps collecting after the
	// first results arrive.
	WatchSettle time.Duration `mapstructure:"watch-settle"`

	// MaxSubmitAge is how far the timestamp of a remote submission may be
	// from the local clock.
	MaxSubmitAge time.Duration `mapstructure:"max-submit-age"`

	// Key is the node's private key. It is read from Keyfile() when nil.
	Key *ecdsa.PrivateKey `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns the a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		ConfigDir:        DefaultConfigDirectory(),
		LogLevel:         DefaultLogLevel,
		BindAddr:         DefaultBindAddr,
		ServiceAddr:      DefaultServiceAddr,
		MaxPool:          DefaultMaxPool,
		TCPTimeout:       DefaultTCPTimeout,
		Channel:          DefaultChannel,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		LocationTTL:      DefaultLocationTTL,
		CacheSize:        DefaultCacheSize,
		BootstrapTimeout: DefaultBootstrapTimeout,
		WatchSettle:      DefaultWatchSettle,
		MaxSubmitAge:     DefaultMaxSubmitAge,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests. The config directory is a fresh temp dir.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.ConfigDir = t.TempDir()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetConfigDir sets the top-level directory. A leading ~ is expanded.
func (c *Config) SetConfigDir(dir string) {
	if expanded, err := homedir.Expand(dir); err == nil {
		dir = expanded
	}
	c.ConfigDir = dir
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.ConfigDir, DefaultKeyfile)
}

// StorageDir returns the directory holding the feeds tree.
func (c *Config) StorageDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(c.ConfigDir, DefaultStorageDir)
}

// FeedManagerConfig extracts the settings of the feeds.FeedManager.
func (c *Config) FeedManagerConfig() feeds.FeedManagerConfig {
	return feeds.FeedManagerConfig{
		StorageDir:       c.StorageDir(),
		BootstrapTimeout: c.BootstrapTimeout,
		WatchSettleDelay: c.WatchSettle,
	}
}

// RemoteFeedManagerConfig extracts the settings of the
// feeds.RemoteFeedManager. Retry intervals keep their defaults.
func (c *Config) RemoteFeedManagerConfig() feeds.RemoteFeedManagerConfig {
	conf := feeds.DefaultRemoteFeedManagerConfig()
	if c.CacheSize > 0 {
		conf.CacheSize = c.CacheSize
	}
	if c.LocationTTL > 0 {
		conf.LocationTTL = c.LocationTTL
	}
	if c.DiscoveryTimeout > 0 {
		conf.DiscoveryTimeout = c.DiscoveryTimeout
	}
	return conf
}

// Logger returns a formatted logrus Entry, with prefix set to "kachery-p2p".
// When LogFile is set, every entry is also written there.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				pathMap[level] = c.LogFile
			}
			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "kachery-p2p")
}

// DefaultConfigDirectory returns the expanded DefaultConfigDir, or an empty
// string when the home directory cannot be determined.
func DefaultConfigDirectory() string {
	dir, err := homedir.Expand(DefaultConfigDir)
	if err != nil {
		return ""
	}
	return dir
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
