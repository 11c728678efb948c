package cmd

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/pagestore"
)

var rootCmd = &cobra.Command{
	Use:   "pagestore",
	Short: "Offline-first versioned page store",
	Long:  "CLI for writing pages locally and syncing them through an OCI registry.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log_level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/pagestore/config.yaml)")
	flags.String("data-dir", "", "data directory (default: ~/.local/share/pagestore)")
	flags.String("backend", string(pagestore.BackendBolt), "local storage backend: bolt, sqlite or file")
	flags.String("log-level", "info", "log level")

	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("backend", flags.Lookup("backend"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PAGESTORE")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", pagestore.DefaultDir())

	if err := viper.ReadInConfig(); err == nil {
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("config loaded")
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pagestore")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "pagestore")
	}
	return ".pagestore"
}

func openStore() (*pagestore.Store, error) {
	return pagestore.Open(viper.GetString("data_dir"),
		pagestore.WithBackend(pagestore.Backend(viper.GetString("backend"))))
}
