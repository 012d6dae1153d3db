package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDefaultConfig(t *testing.T) {
	conf := NewDefaultConfig()

	if home := os.Getenv("HOME"); home != "" {
		if want := filepath.Join(home, ".kachery-p2p"); conf.ConfigDir != want {
			t.Fatalf("ConfigDir should be %s, not %s", want, conf.ConfigDir)
		}
	}

	if want := filepath.Join(conf.ConfigDir, "storage"); conf.StorageDir() != want {
		t.Fatalf("StorageDir should be %s, not %s", want, conf.StorageDir())
	}

	if want := filepath.Join(conf.ConfigDir, "priv_key"); conf.Keyfile() != want {
		t.Fatalf("Keyfile should be %s, not %s", want, conf.Keyfile())
	}

	if conf.MaxSubmitAge != 30*time.Minute {
		t.Fatalf("MaxSubmitAge should be 30m, not %v", conf.MaxSubmitAge)
	}
}

func TestStorageDirOverride(t *testing.T) {
	conf := NewTestConfig(t, logrus.DebugLevel)
	conf.DataDir = "/tmp/elsewhere"

	if conf.StorageDir() != "/tmp/elsewhere" {
		t.Fatalf("StorageDir should follow DataDir, got %s", conf.StorageDir())
	}

	fmConf := conf.FeedManagerConfig()
	if fmConf.StorageDir != "/tmp/elsewhere" {
		t.Fatalf("FeedManagerConfig.StorageDir should be /tmp/elsewhere, not %s", fmConf.StorageDir)
	}
}

func TestSetConfigDir(t *testing.T) {
	conf := NewDefaultConfig()

	conf.SetConfigDir("/var/lib/kachery")
	if conf.ConfigDir != "/var/lib/kachery" {
		t.Fatalf("ConfigDir should be /var/lib/kachery, not %s", conf.ConfigDir)
	}

	if os.Getenv("HOME") == "" {
		return
	}

	conf.SetConfigDir("~/kp2p")
	if strings.HasPrefix(conf.ConfigDir, "~") {
		t.Fatalf("~ should be expanded, got %s", conf.ConfigDir)
	}
}

func TestRemoteFeedManagerConfig(t *testing.T) {
	conf := NewDefaultConfig()
	conf.CacheSize = 7
	conf.LocationTTL = time.Second
	conf.DiscoveryTimeout = 0

	rConf := conf.RemoteFeedManagerConfig()

	if rConf.CacheSize != 7 {
		t.Fatalf("CacheSize should be 7, not %d", rConf.CacheSize)
	}
	if rConf.LocationTTL != time.Second {
		t.Fatalf("LocationTTL should be 1s, not %v", rConf.LocationTTL)
	}
	if rConf.DiscoveryTimeout <= 0 {
		t.Fatalf("DiscoveryTimeout should keep its default, got %v", rConf.DiscoveryTimeout)
	}
}

func TestLogFile(t *testing.T) {
	conf := NewDefaultConfig()
	conf.LogLevel = "info"
	conf.LogFile = filepath.Join(t.TempDir(), "kachery.log")

	logger := conf.Logger()
	logger.Logger.Out = io.Discard
	logger.Info("hello log file")

	data, err := os.ReadFile(conf.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello log file") {
		t.Fatalf("log file should contain the entry, got %q", string(data))
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug": logrus.DebugLevel,
		"warn":  logrus.WarnLevel,
		"panic": logrus.PanicLevel,
		"bogus": logrus.DebugLevel,
	}
	for in, want := range cases {
		if got := LogLevel(in); got != want {
			t.Fatalf("LogLevel(%q) should be %v, not %v", in, want, got)
		}
	}
}
