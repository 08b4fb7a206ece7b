// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package bip151d

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcnode/bip151d/bip151"
	"github.com/btcnode/bip151d/build"
	"github.com/btcnode/bip151d/nodecfg"
	"github.com/btcnode/bip151d/peer"
	"github.com/btcnode/bip151d/signal"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "bip151d.log"
	defaultNetwork         = "mainnet"
	defaultMaxInbound      = 125
	defaultInboundRate     = 10
	defaultInboundBurst    = 20
	defaultRetryDuration   = 5 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

var (
	// DefaultAppDir is the default directory where bip151d tries to find
	// its configuration file and store its data. This is a directory in
	// the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Bip151d on Windows
	//   ~/.bip151d on Linux
	//   ~/Library/Application Support/Bip151d on MacOS
	DefaultAppDir = btcutil.AppDataDir("bip151d", false)

	// DefaultConfigFile is the default full path of bip151d's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultAppDir, nodecfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultAppDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, defaultLogDirname)

	// networks maps the accepted --network values to their parameters.
	networks = map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"simnet":   &chaincfg.SimNetParams,
		"signet":   &chaincfg.SigNetParams,
	}
)

// Config defines the configuration options for bip151d.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:ll
type Config struct {
	AppDir     string `long:"appdir" description:"The base directory that contains bip151d's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store bip151d's data within"`

	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	LogCompressor  string `long:"logcompressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// We'll parse these 'raw' string arguments into real net.Addrs in the
	// loadConfig function. We need to expose the 'raw' strings so the
	// command line library can access them.
	// Only the parsed net.Addrs should be used!
	RawListeners  []string `long:"listen" description:"Add an interface/port to listen for peer connections"`
	RawConnect    []string `long:"connect" description:"Add a peer to keep a persistent outbound connection to"`
	DisableListen bool     `long:"nolisten" description:"Disable listening for incoming peer connections"`
	Listeners     []net.Addr
	ConnectPeers  []net.Addr

	Network string `long:"network" description:"The network to connect to" choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`

	MaxInbound   int     `long:"maxinbound" description:"Maximum number of inbound peers"`
	InboundRate  float64 `long:"inboundrate" description:"Maximum number of inbound connections accepted per second"`
	InboundBurst int     `long:"inboundburst" description:"Number of inbound connections accepted in a burst above the rate"`

	PingInterval time.Duration `long:"pinginterval" description:"Interval between keepalive pings sent to each peer"`
	PingTimeout  time.Duration `long:"pingtimeout" description:"Time a peer has to answer a keepalive ping"`

	Encryption *nodecfg.Encryption `group:"encryption" namespace:"encryption"`

	Prometheus nodecfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	Workers *nodecfg.Workers `group:"workers" namespace:"workers"`

	// ActiveNetParams contains parameters of the target network.
	ActiveNetParams *chaincfg.Params

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDir:         DefaultAppDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
		MaxLogFiles:    build.DefaultMaxLogFiles,
		MaxLogFileSize: build.DefaultMaxLogFileSize,
		LogCompressor:  build.Gzip,
		Network:        defaultNetwork,
		MaxInbound:     defaultMaxInbound,
		InboundRate:    defaultInboundRate,
		InboundBurst:   defaultInboundBurst,
		PingInterval:   peer.DefaultPingInterval,
		PingTimeout:    peer.DefaultPingTimeout,
		Encryption:     nodecfg.DefaultEncryption(),
		Prometheus:     nodecfg.DefaultPrometheus(),
		Workers: &nodecfg.Workers{
			Handshake: nodecfg.DefaultHandshakeWorkers,
		},
		LogWriter: build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their appdir, then we should assume they intend to use the
	// config file within it.
	configFileDir := CleanAndExpandPath(preCfg.AppDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultAppDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, nodecfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		SetupLoggers(cfg.LogWriter, interceptor)
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, interceptor)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		dmonLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, interceptor signal.Interceptor) (*Config,
	error) {

	const funcName = "ValidateConfig"

	// If the provided app directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	appDir := CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		cfg.DataDir = filepath.Join(appDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	params, ok := networks[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("%s: unknown network %q", funcName,
			cfg.Network)
	}
	cfg.ActiveNetParams = params

	switch {
	case cfg.Encryption == nil:
		return nil, fmt.Errorf("%s: encryption config missing",
			funcName)

	case cfg.Workers == nil:
		return nil, fmt.Errorf("%s: workers config missing", funcName)
	}

	if err := cfg.Encryption.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}
	if err := cfg.Workers.Validate(); err != nil {
		return nil, fmt.Errorf("%s: workers: %w", funcName, err)
	}
	if err := cfg.Prometheus.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	switch {
	case cfg.MaxInbound < 0:
		return nil, fmt.Errorf("%s: maxinbound must not be negative",
			funcName)

	case cfg.InboundRate <= 0:
		return nil, fmt.Errorf("%s: inboundrate must be positive",
			funcName)

	case cfg.InboundBurst < 1:
		return nil, fmt.Errorf("%s: inboundburst must be at least 1",
			funcName)

	case cfg.PingInterval <= 0 || cfg.PingTimeout <= 0:
		return nil, fmt.Errorf("%s: pinginterval and pingtimeout "+
			"must be positive", funcName)

	case cfg.PingTimeout >= cfg.PingInterval:
		return nil, fmt.Errorf("%s: pingtimeout (%v) must be below "+
			"pinginterval (%v)", funcName, cfg.PingTimeout,
			cfg.PingInterval)
	}

	// Namespace the data and log directories per network.
	network := nodecfg.NormalizeNetwork(params.Name)
	cfg.DataDir = filepath.Join(cfg.DataDir, network)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("%s: failed to create data "+
			"directory: %w", funcName, err)
	}

	// A log writer must be passed in, otherwise we can't function and
	// would run into a panic later on.
	if cfg.LogWriter == nil {
		return nil, fmt.Errorf("%s: log writer missing in config",
			funcName)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogWriter, interceptor)
	err := cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.LogCompressor, cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: log rotation setup failed: %w",
			funcName, err)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	defaultPort := params.DefaultPort

	// Listen on all interfaces on the network's default port if no
	// listeners were specified.
	if len(cfg.RawListeners) == 0 && !cfg.DisableListen {
		cfg.RawListeners = append(cfg.RawListeners, ":"+defaultPort)
	}

	if !cfg.DisableListen {
		cfg.Listeners, err = nodecfg.NormalizeAddresses(
			cfg.RawListeners, defaultPort, net.ResolveTCPAddr,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", funcName, err)
		}
	}

	cfg.ConnectPeers, err = nodecfg.NormalizeAddresses(
		cfg.RawConnect, defaultPort, net.ResolveTCPAddr,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	return &cfg, nil
}

// transportConfig returns the transport configuration derived from cfg.
func (c *Config) transportConfig() *bip151.Config {
	return &bip151.Config{
		Net:               c.ActiveNetParams.Net,
		DisableEncryption: c.Encryption.Disable,
		HandshakeTimeout:  c.Encryption.HandshakeTimeout,
		GrowthStep:        c.Encryption.GrowthStep,
		StrictMessages:    c.Encryption.StrictMessages,
		MaxHandshakes:     c.Workers.Handshake,
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
