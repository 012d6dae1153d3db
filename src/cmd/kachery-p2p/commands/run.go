package commands

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/flatironinstitute/kachery-p2p/src/kachery"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a kachery-p2p node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runKachery,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runKachery(cmd *cobra.Command, args []string) error {
	engine := kachery.NewKachery(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	go func() {
		sig := <-signalCh
		_config.Logger().WithField("signal", sig).Info("Received signal, shutting down")
		if err := engine.Shutdown(); err != nil {
			_config.Logger().WithError(err).Error("Shutdown")
		}
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("config-dir", _config.ConfigDir, "Top-level directory for the key, feeds.json, peers.json and the config file")
	cmd.Flags().String("storage", _config.DataDir, "Directory of the feeds tree (default <config-dir>/storage)")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write JSON log entries to this file")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	cmd.Flags().String("channel", _config.Channel, "Channel of the nodes to replicate with")
	cmd.Flags().StringSlice("peers", _config.Peers, "Extra peers, as nodeId@host:port")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Do not start the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Feeds
	cmd.Flags().Duration("discovery-timeout", _config.DiscoveryTimeout, "Time spent looking for the node of a live feed")
	cmd.Flags().Duration("location-ttl", _config.LocationTTL, "Time a live feed location is cached")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of cached live feed locations")
	cmd.Flags().Duration("bootstrap-timeout", _config.BootstrapTimeout, "Time spent on the first pull of a remote subfeed")
	cmd.Flags().Duration("watch-settle", _config.WatchSettle, "Time a watch keeps collecting after the first messages")
	cmd.Flags().Duration("max-submit-age", _config.MaxSubmitAge, "Max clock difference accepted on remote submissions")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.SetConfigDir(_config.ConfigDir)

	// the logger is created here, once the log settings are final
	if viper.ConfigFileUsed() != "" {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	}

	_config.Logger().WithFields(logrus.Fields{
		"ConfigDir":        _config.ConfigDir,
		"StorageDir":       _config.StorageDir(),
		"BindAddr":         _config.BindAddr,
		"AdvertiseAddr":    _config.AdvertiseAddr,
		"NoService":        _config.NoService,
		"ServiceAddr":      _config.ServiceAddr,
		"MaxPool":          _config.MaxPool,
		"LogLevel":         _config.LogLevel,
		"Moniker":          _config.Moniker,
		"Channel":          _config.Channel,
		"Peers":            _config.Peers,
		"TCPTimeout":       _config.TCPTimeout,
		"DiscoveryTimeout": _config.DiscoveryTimeout,
		"LocationTTL":      _config.LocationTTL,
		"CacheSize":        _config.CacheSize,
		"BootstrapTimeout": _config.BootstrapTimeout,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Every flag can also be given as an
	// environment variable, eg. KACHERY_P2P_SERVICE_LISTEN
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetEnvPrefix("KACHERY_P2P")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// first unmarshal to read from CLI flags and environment
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	_config.SetConfigDir(_config.ConfigDir)

	// look for config file in [config-dir]/kachery-p2p.toml (.json, .yaml also work)
	viper.SetConfigName("kachery-p2p")       // name of config file (without extension)
	viper.AddConfigPath(_config.ConfigDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
