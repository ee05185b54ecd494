package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiteflow/internal/config"
)

var (
	appVersion = "dev"
	appCommit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgPath string

	root := &cobra.Command{
		Use:           "kiteflow",
		Short:         "SEO automation scheduler for the KiteSafaris site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ./kiteflow.yaml)")
	root.PersistentFlags().String("db", "kiteflow.db", "SQLite DB path")
	root.PersistentFlags().String("log-level", "info", "log level")
	root.PersistentFlags().String("content-dir", "content", "markdown content directory")
	_ = v.BindPFlag("db", root.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("content.dir", root.PersistentFlags().Lookup("content-dir"))

	load := func() (config.Config, error) {
		cfg, err := config.Load(v, cfgPath)
		if err != nil {
			return cfg, err
		}
		setupLogging(cfg.Log)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(v, load), newRunCmd(load), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kiteflow %s\ncommit: %s\n", appVersion, appCommit)
		},
	})
	return root
}
