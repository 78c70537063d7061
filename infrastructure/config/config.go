// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	_ "embed" // for the embedded sample config
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/go-socks/socks"
	"github.com/gnutd/gnutd/infrastructure/logger"
	"github.com/gnutd/gnutd/infrastructure/network/flowcontrol"
	"github.com/gnutd/gnutd/util/network"
	"github.com/gnutd/gnutd/version"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultConfigFilename     = "gnutd.conf"
	defaultDataDirname        = "data"
	defaultLogLevel           = "info"
	defaultLogDirname         = "logs"
	defaultLogFilename        = "gnutd.log"
	defaultErrLogFilename     = "gnutd_err.log"
	defaultLeaf2Up            = 3
	defaultUp2Up              = 32
	defaultUp2Leaf            = 30
	defaultMaxIncoming        = 100
	defaultAcceptRate         = 10
	defaultMaxNetworkTTL      = 7
	defaultMaxMessageLength   = 64 * 1024
	defaultReadTimeout        = 60 * time.Second
	defaultMinUltrapeerUptime = 3 * time.Hour
	defaultMaxReadyHosts      = 1000
	defaultMaxReputationHosts = 2000

	// DefaultConnectTimeout is the default connection timeout when dialing
	DefaultConnectTimeout = 30 * time.Second

	// hardMaxNetworkTTL bounds --maxttl. Anything beyond is a flood.
	hardMaxNetworkTTL = 16

	minMessageLength = 1024
	maxMessageLength = 1024 * 1024
)

// Caught host stores selectable with --hostsstore.
const (
	HostsStoreLevelDB = "leveldb"
	HostsStoreFile    = "file"
)

var (
	// DefaultHomeDir is the default home directory for gnutd.
	DefaultHomeDir = btcutil.AppDataDir("gnutd", false)

	defaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(DefaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(DefaultHomeDir, defaultLogDirname)
)

//go:embed sample-gnutd.conf
var sampleConfig string

// Flags defines the configuration options for gnutd.
//
// See LoadConfig for details on the configuration load process.
type Flags struct {
	ShowVersion        bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile         string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir            string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir             string        `long:"logdir" description:"Directory to log output."`
	AddPeers           []string      `short:"a" long:"addpeer" description:"Add a host to connect with at startup"`
	ConnectPeers       []string      `long:"connect" description:"Connect only to the specified hosts at startup"`
	DisableListen      bool          `long:"nolisten" description:"Disable listening for incoming connections -- NOTE: Listening is automatically disabled if the --connect or --proxy options are used without also specifying listen interfaces via --listen"`
	Listeners          []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 6346)"`
	MaxIncoming        int           `long:"maxincoming" description:"Max number of simultaneously open incoming sockets"`
	AcceptRate         float64       `long:"acceptrate" description:"Max number of incoming sockets accepted per second, 0 for unlimited"`
	Leaf2Up            int           `long:"leaf2up" description:"Number of ultrapeers to connect to while acting as a leaf"`
	Up2Up              int           `long:"up2up" description:"Number of ultrapeers to connect to while acting as an ultrapeer"`
	Up2Leaf            int           `long:"up2leaf" description:"Number of leaves to accept while acting as an ultrapeer"`
	MaxConnectAttempts int           `long:"maxconnectattempts" description:"Max number of concurrent outgoing connection attempts (default 8, windows: 4)"`
	DisableUltrapeer   bool          `long:"noultrapeer" description:"Never act as an ultrapeer"`
	UpstreamKBps       int           `long:"upstreamkbps" description:"Upstream bandwidth of this node in KB/s, used to decide whether it can act as an ultrapeer"`
	DownstreamKBps     int           `long:"downstreamkbps" description:"Downstream bandwidth of this node in KB/s, used to decide whether it can act as an ultrapeer"`
	MinUltrapeerUptime time.Duration `long:"minultrapeeruptime" description:"Session or average daily uptime required to act as an ultrapeer. Valid time units are {s, m, h}"`
	MaxNetworkTTLFlag  uint8         `long:"maxttl" description:"Max TTL plus hops a message may carry before it is dropped"`
	MaxMessageLen      uint32        `long:"maxmsglength" description:"Max payload length of a message in bytes, longer messages terminate the connection"`
	ReadTimeoutFlag    time.Duration `long:"readtimeout" description:"Timeout for reading or writing a message on a connection. Valid time units are {s, m, h}"`
	ConnectTimeout     time.Duration `long:"connecttimeout" description:"Timeout for connecting to a host and completing the handshake"`
	NoDeflate          bool          `long:"nodeflate" description:"Disable deflate compression of connections"`
	FlowPolicies       []string      `long:"flowpolicy" description:"Override the ordering of a message class queue, as class=fifo or class=lifo (classes: control, queryhit, push, query, pong, ping)"`
	DeniedIPs          []string      `long:"deny" description:"Refuse connections from an IP or IP network (eg. 192.168.1.0/24)"`
	StronglyDeniedIPs  []string      `long:"strongdeny" description:"Refuse connections from an IP or IP network, and never store its addresses"`
	AllowPrivate       bool          `long:"allowprivate" description:"Accept and store hosts with private network addresses"`
	MaxReadyHosts      int           `long:"maxreadyhosts" description:"Max number of caught hosts waiting for a connection attempt"`
	MaxReputationHosts int           `long:"maxreputationhosts" description:"Max number of caught hosts kept between runs"`
	HostsStore         string        `long:"hostsstore" description:"Where caught hosts are kept between runs {leveldb, file}"`
	GWebCaches         []string      `long:"gwebcache" description:"Add a GWebCache URL to bootstrap from"`
	UDPHostCaches      []string      `long:"udphostcache" description:"Add a UDP host cache host:port to bootstrap from"`
	DisableBootstrap   bool          `long:"nobootstrap" description:"Disable bootstrapping from GWebCaches and UDP host caches"`
	Proxy              string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser          string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass          string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	TorIsolation       bool          `long:"torisolation" description:"Enable Tor stream isolation by randomizing user credentials for each connection."`
	DebugListen        string        `long:"debuglisten" description:"Serve metrics and host snapshots over HTTP on the given interface/port (eg. 127.0.0.1:6060)"`
	DebugLevel         string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	NetworkFlags
	ServiceOptions *ServiceOptions
}

// Config defines the configuration options for gnutd.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	*Flags
	Dial func(string, string, time.Duration) (net.Conn, error)

	// FlowPolicyOverrides holds the parsed --flowpolicy entries.
	FlowPolicyOverrides map[flowcontrol.MessageClass]flowcontrol.OrderingPolicy
}

// ServiceOptions defines the configuration options for the daemon as a service on
// Windows.
type ServiceOptions struct {
	ServiceCommand string `short:"s" long:"service" description:"Service command {install, remove, start, stop}"`
}

// MaxNetworkTTL returns the largest TTL plus hops a message may carry.
func (cfg *Config) MaxNetworkTTL() byte {
	return cfg.MaxNetworkTTLFlag
}

// MaxMessageLength returns the largest accepted payload length.
func (cfg *Config) MaxMessageLength() uint32 {
	return cfg.MaxMessageLen
}

// ReadTimeout returns how long a connected host may stay silent while a
// message is being read.
func (cfg *Config) ReadTimeout() time.Duration {
	return cfg.ReadTimeoutFlag
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(DefaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfgFlags *Flags, options flags.Options) *flags.Parser {
	parser := flags.NewParser(cfgFlags, options)
	if runtime.GOOS == "windows" {
		parser.AddGroup("Service Options", "Service Options", cfgFlags.ServiceOptions)
	}
	return parser
}

func defaultMaxConnectAttempts() int {
	if runtime.GOOS == "windows" {
		return 4
	}
	return 8
}

func defaultFlags() *Flags {
	return &Flags{
		ConfigFile:         defaultConfigFile,
		DebugLevel:         defaultLogLevel,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		MaxIncoming:        defaultMaxIncoming,
		AcceptRate:         defaultAcceptRate,
		Leaf2Up:            defaultLeaf2Up,
		Up2Up:              defaultUp2Up,
		Up2Leaf:            defaultUp2Leaf,
		MaxConnectAttempts: defaultMaxConnectAttempts(),
		MinUltrapeerUptime: defaultMinUltrapeerUptime,
		MaxNetworkTTLFlag:  defaultMaxNetworkTTL,
		MaxMessageLen:      defaultMaxMessageLength,
		ReadTimeoutFlag:    defaultReadTimeout,
		ConnectTimeout:     DefaultConnectTimeout,
		MaxReadyHosts:      defaultMaxReadyHosts,
		MaxReputationHosts: defaultMaxReputationHosts,
		HostsStore:         HostsStoreLevelDB,
		ServiceOptions:     &ServiceOptions{},
	}
}

// DefaultConfig returns the default gnutd configuration
func DefaultConfig() *Config {
	config := &Config{Flags: defaultFlags()}
	config.Dial = net.DialTimeout
	config.ActiveNetworkProfile = &PublicNetwork
	return config
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// The above results in gnutd functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options. Command line options always take precedence.
func LoadConfig() (*Config, error) {
	cfgFlags := defaultFlags()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified. Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := *cfgFlags
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if ok := errors.As(err, &flagsErr); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, err
		}
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.Version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(cfgFlags, flags.Default)
	cfg := &Config{
		Flags: cfgFlags,
	}
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		err := createDefaultConfigFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: %s\n", err)
		}
	}

	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %s\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if ok := errors.As(err, &flagsErr); !ok || flagsErr.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(DefaultHomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var pathErr *os.PathError
		if ok := errors.As(err, &pathErr); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(pathErr.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = errors.Errorf(str, pathErr.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %s"
		err := errors.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	err = cfg.ResolveNetwork(parser)
	if err != nil {
		return nil, err
	}

	// Namespace the data and log directories per network so that a
	// private network never shares caught hosts with the public one.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.ActiveNetworkProfile.Name)

	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.ActiveNetworkProfile.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", logger.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used.
	logger.InitLog(filepath.Join(cfg.LogDir, defaultLogFilename), filepath.Join(cfg.LogDir, defaultErrLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := logger.ParseAndSetLogLevels(cfg.DebugLevel); err != nil {
		err := errors.Errorf("%s: %s", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	err = cfg.validate(funcName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%s", configFileError)
	}

	return cfg, nil
}

// validate checks the parsed options, fills in the derived ones and sets
// up the dial function.
func (cfg *Config) validate(funcName string) error {
	if cfg.MaxNetworkTTLFlag == 0 || cfg.MaxNetworkTTLFlag > hardMaxNetworkTTL {
		return errors.Errorf("%s: The maxttl option must be between 1 and %d -- parsed [%d]",
			funcName, hardMaxNetworkTTL, cfg.MaxNetworkTTLFlag)
	}

	if cfg.MaxMessageLen < minMessageLength || cfg.MaxMessageLen > maxMessageLength {
		return errors.Errorf("%s: The maxmsglength option must be between %d and %d -- parsed [%d]",
			funcName, minMessageLength, maxMessageLength, cfg.MaxMessageLen)
	}

	if cfg.ReadTimeoutFlag < time.Second {
		return errors.Errorf("%s: The readtimeout option may not be less than 1s -- parsed [%s]",
			funcName, cfg.ReadTimeoutFlag)
	}

	if cfg.ConnectTimeout < time.Second {
		return errors.Errorf("%s: The connecttimeout option may not be less than 1s -- parsed [%s]",
			funcName, cfg.ConnectTimeout)
	}

	if cfg.Leaf2Up < 1 {
		return errors.Errorf("%s: The leaf2up option must be at least 1 -- parsed [%d]",
			funcName, cfg.Leaf2Up)
	}
	if cfg.Up2Up < 0 || cfg.Up2Leaf < 0 {
		return errors.Errorf("%s: The up2up and up2leaf options may not be negative", funcName)
	}

	if cfg.MaxConnectAttempts < 1 {
		return errors.Errorf("%s: The maxconnectattempts option must be at least 1 -- parsed [%d]",
			funcName, cfg.MaxConnectAttempts)
	}

	if cfg.MaxIncoming < 0 {
		return errors.Errorf("%s: The maxincoming option may not be negative -- parsed [%d]",
			funcName, cfg.MaxIncoming)
	}

	if cfg.AcceptRate < 0 {
		return errors.Errorf("%s: The acceptrate option may not be negative -- parsed [%f]",
			funcName, cfg.AcceptRate)
	}

	if cfg.MaxReadyHosts < 1 || cfg.MaxReputationHosts < 1 {
		return errors.Errorf("%s: The maxreadyhosts and maxreputationhosts options must be at least 1",
			funcName)
	}

	if cfg.HostsStore != HostsStoreLevelDB && cfg.HostsStore != HostsStoreFile {
		return errors.Errorf("%s: The hostsstore option must be %s or %s -- parsed [%s]",
			funcName, HostsStoreLevelDB, HostsStoreFile, cfg.HostsStore)
	}

	var err error
	cfg.FlowPolicyOverrides, err = flowcontrol.ParsePolicyOverrides(cfg.FlowPolicies)
	if err != nil {
		return errors.Wrapf(err, "%s", funcName)
	}

	// --addpeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		return errors.Errorf("%s: the --addpeer and --connect options can not be mixed", funcName)
	}

	// --proxy or --connect without --listen disables listening.
	if (cfg.Proxy != "" || len(cfg.ConnectPeers) > 0) && len(cfg.Listeners) == 0 {
		cfg.DisableListen = true
	}

	// Connect means no bootstrapping.
	if len(cfg.ConnectPeers) > 0 || !cfg.ActiveNetworkProfile.AllowPublicBootstrap {
		cfg.DisableBootstrap = true
	}

	// Add the default listener if none were specified. The default
	// listener is all addresses on the listen port for the network
	// we are to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", cfg.ActiveNetworkProfile.DefaultPort),
		}
	}
	if cfg.DisableListen {
		cfg.Listeners = nil
	}

	// Add default port to all listener and peer addresses if needed and
	// remove duplicate addresses.
	defaultPort := cfg.ActiveNetworkProfile.DefaultPort
	cfg.Listeners, err = network.NormalizeAddresses(cfg.Listeners, defaultPort)
	if err != nil {
		return errors.Wrapf(err, "%s: invalid listen address", funcName)
	}
	cfg.AddPeers, err = network.NormalizeAddresses(cfg.AddPeers, defaultPort)
	if err != nil {
		return errors.Wrapf(err, "%s: invalid addpeer address", funcName)
	}
	cfg.ConnectPeers, err = network.NormalizeAddresses(cfg.ConnectPeers, defaultPort)
	if err != nil {
		return errors.Wrapf(err, "%s: invalid connect address", funcName)
	}

	if cfg.DebugListen != "" {
		_, _, err := net.SplitHostPort(cfg.DebugListen)
		if err != nil {
			return errors.Errorf("%s: debuglisten address '%s' is invalid: %s",
				funcName, cfg.DebugListen, err)
		}
	}

	// Tor stream isolation requires a proxy.
	if cfg.TorIsolation && cfg.Proxy == "" {
		return errors.Errorf("%s: Tor stream isolation requires proxy to be set", funcName)
	}

	// Setup the dial function. The default is to use the standard
	// net.DialTimeout function. When a proxy is specified, the dial
	// function is set to the proxy specific dial function.
	cfg.Dial = net.DialTimeout
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			return errors.Errorf("%s: Proxy address '%s' is invalid: %s",
				funcName, cfg.Proxy, err)
		}

		// Tor isolation flag means proxy credentials will be overridden.
		if cfg.TorIsolation && (cfg.ProxyUser != "" || cfg.ProxyPass != "") {
			fmt.Fprintln(os.Stderr, "Tor isolation set -- "+
				"overriding specified proxy user credentials")
		}

		proxy := &socks.Proxy{
			Addr:         cfg.Proxy,
			Username:     cfg.ProxyUser,
			Password:     cfg.ProxyPass,
			TorIsolation: cfg.TorIsolation,
		}
		cfg.Dial = proxy.DialTimeout
	}

	return nil
}

// createDefaultConfigFile writes the sample configuration to the given
// destination path.
func createDefaultConfigFile(destinationPath string) error {
	// Create the destination directory if it does not exists
	err := os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(destinationPath,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = dest.WriteString(sampleConfig)
	return err
}
