package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Autotest/internal/log"
	"github.com/CZERTAINLY/Autotest/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/autotest on given OS
	configPath     string // actual config file used (if loaded)
	loaded         *model.Loaded
	logOutput      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "autotest")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is autotest.yaml in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initAutotest
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logOutput != nil {
			_ = logOutput.Close()
		}
	}

	runCmd.Flags().StringVar(&flagRunID, "id", "", "run id, generated when empty")
	runCmd.Flags().DurationVar(&flagRunTimeout, "timeout", 0, "run timeout, runner.timeout when zero")
	runCmd.Flags().StringVar(&flagRunLogName, "log-name", "", "log artifact name")
	runCmd.Flags().StringVar(&flagRunType, "type", "", "executor type (robot, qtest, ...)")
	runCmd.Flags().StringToStringVar(&flagRunParams, "param", nil, "executor parameter as key=value")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var failed runFailedError
		if !errors.As(err, &failed) {
			slog.Error("autotest failed", "err", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "autotest",
	Short:        "Test run orchestrator with live log streaming",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API and executes submitted runs",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- command args...]",
	Short: "run executes a single run and prints its result",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if configPath != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", configPath)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(loaded.Settings); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of autotest",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("autotest: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("autotest: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return info.Main.Version
}

func initAutotest(cmd *cobra.Command, _ []string) error {
	if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if envConfig, ok := os.LookupEnv("AUTOTEST_CONFIG"); ok {
		configPath = envConfig
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "autotest.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "autotest.yaml")
		if err := storeDefault(configPath); err != nil {
			// read-only home directories are fine, defaults are used
			slog.Warn("can't store default configuration", "path", configPath, "error", err)
			configPath = ""
		}
	}

	var err error
	loaded, err = model.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		loaded.Config.Service.Verbose = true
	}

	// initialize logging
	out, err := log.Output(loaded.Config.Service.Log)
	if err != nil {
		return fmt.Errorf("opening log output: %w", err)
	}
	logOutput = out
	slog.SetDefault(log.New(out, loaded.Config.Service.Verbose))

	slog.Debug("autotest init", "configPath", configPath)
	slog.Debug("autotest init", "config", loaded.Config)
	return nil
}

func storeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := io.WriteString(f, model.DefaultYAML); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
