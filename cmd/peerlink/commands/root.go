package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/edgecli/peerlink/internal/config"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/node"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/store"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "peerlink - LAN peer discovery, pairing and encrypted relay",
	Long: `peerlink finds devices on the local network, pairs with them after an
explicit user decision, and relays notifications and live state over an
encrypted channel.

Use "peerlink [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(forgetCmd)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("peerlink\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolP("verbose", "v", false, "Enable debug logging")
	fs.String("config", "", "Config file (default: ~/.peerlink/config.json)")
	fs.String("name", "", "Display name announced to peers")
	fs.Int("port", 0, "TCP listen port")
	fs.Bool("stealth", false, "Do not broadcast discovery packets")
	fs.String("feed", "", "Websocket feed address, e.g. 127.0.0.1:23340")
}

// env is the resolved configuration shared by every command.
type env struct {
	cfg   *config.Config
	paths *config.Paths
	log   *logrus.Logger
}

// loadEnv reads the config file and applies flag overrides.
func loadEnv(cmd *cobra.Command) (*env, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var paths *config.Paths
	if configPath != "" {
		paths = config.PathsIn(filepath.Dir(configPath))
		paths.ConfigFile = configPath
	} else {
		p, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		paths = p
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.DisplayName, _ = flags.GetString("name")
	}
	if flags.Changed("port") {
		cfg.TCPPort, _ = flags.GetInt("port")
	}
	if flags.Changed("stealth") {
		stealth, _ := flags.GetBool("stealth")
		cfg.DiscoveryEnabled = !stealth
	}
	if flags.Changed("feed") {
		cfg.FeedAddr, _ = flags.GetString("feed")
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	return &env{cfg: cfg, paths: paths, log: logging.New(cfg.LogLevel, os.Stderr)}, nil
}

// openAuth loads the pairing registry without starting a node.
func (e *env) openAuth() (*registry.Auth, store.Store, error) {
	st, err := node.OpenStore(e.cfg.StoreBackend, e.paths)
	if err != nil {
		return nil, nil, err
	}
	snap, err := st.Load()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to load pairings: %w", err)
	}
	auth := registry.NewAuth(st, e.log)
	auth.Restore(snap)
	return auth, st, nil
}
