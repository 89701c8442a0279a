package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lecca.io/scout-watchtower/internal/config"
)

type flags struct {
	configFile    string
	debug         bool
	logEncoding   string
	short         bool
	stashes       string
	wsURL         string
	errorInterval string
	exposeAll     bool
	disableMatrix bool
}

func (f *flags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "path to config file (default ~/.scout/config.yml)")
	fs.BoolVar(&f.debug, "debug", false, "print debug information verbosely")
	fs.StringVar(&f.logEncoding, "log-encoding", "console", "log encoding, console or json")
	fs.BoolVar(&f.short, "short", false, "send only essential information in reports")
	fs.StringVarP(&f.stashes, "stashes", "s", "", "comma separated validator stash addresses to watch")
	fs.StringVarP(&f.wsURL, "substrate-ws-url", "w", "", "substrate websocket endpoint, takes precedence over CHAIN")
	fs.StringVar(&f.errorInterval, "error-interval", "", "wait before restarting after a critical error, e.g. 30m")
	fs.BoolVar(&f.exposeAll, "expose-all", false, "pass every optional value to hooks")
	fs.BoolVar(&f.disableMatrix, "disable-matrix", false, "do not send matrix messages")
}

// apply overrides file values with the flags that were set.
func (f *flags) apply(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		url, ok := config.KnownChains[args[0]]
		if !ok {
			return fmt.Errorf("unknown chain %q", args[0])
		}
		cfg.Chain.WS = url
		cfg.Chain.Nodes = nil
	}
	if f.wsURL != "" {
		cfg.Chain.WS = f.wsURL
		cfg.Chain.Nodes = nil
	}
	if f.stashes != "" {
		cfg.SetStashes(f.stashes)
	}
	if f.short {
		cfg.Report.Short = true
	}
	if f.errorInterval != "" {
		cfg.Advanced.ErrorInterval = f.errorInterval
	}
	if f.exposeAll {
		cfg.Expose.All = true
	}
	if f.disableMatrix {
		cfg.Alerts.Channels.Matrix.Enabled = false
	}
	return nil
}

func resolveConfigPath(configFile string) (string, error) {
	if configFile != "" {
		return filepath.Abs(configFile)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scout", "config.yml"), nil
}

func ensureDefaultConfig(path string, example []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if len(example) == 0 {
		return fmt.Errorf("embedded config.example.yml is empty")
	}

	return os.WriteFile(path, example, 0o644)
}
