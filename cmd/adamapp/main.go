package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/richinsley/adamboot"
	"github.com/richinsley/adamboot/devhost"
	"github.com/richinsley/adamboot/internal/logging"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:          "adamapp",
		Short:        "adamapp hosts a Python camera application",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if err := initConfig(v, configPath); err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := logging.InitLogger(&logging.Config{
				Level:      v.GetString("log-level"),
				LogFile:    v.GetString("log-file"),
				LogFormat:  v.GetString("log-format"),
				WithCaller: v.GetBool("with-caller"),
			}); err != nil {
				return err
			}
			log.Debug().Str("config", v.ConfigFileUsed()).Msg("Loaded configuration")
			return nil
		},
	}
	logging.AddFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ./adamapp.yaml)")

	rootCmd.AddCommand(newRunCmd(v), newDepsCmd(v), newConfigCmd(v))
	return rootCmd
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the application under the development host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindHostFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := loadAppConfig(v)
			if err != nil {
				return err
			}
			if err := ensureDir(cfg.Host.AppDataDir); err != nil {
				return err
			}
			env, err := pythonEnvironment(cfg)
			if err != nil {
				return err
			}

			host, err := devhost.New(cfg.Host)
			if err != nil {
				return err
			}
			rt := adamboot.NewPythonRuntime(env, adamboot.PythonRuntimeOptions{
				Name:      "adamapp",
				KVPairs:   map[string]interface{}{"app_data_dir": cfg.Host.AppDataDir},
				ExitGrace: cfg.Python.ExitGrace,
			})
			adamboot.RegisterHostServices(rt, host)

			dataDir := cfg.Host.AppDataDir
			app := adamboot.NewApp(host, rt, cfg.InterpreterConfig(dataDir), cfg.ScriptPath(dataDir))
			app.ShutdownTimeout = cfg.ShutdownTimeout

			log.Info().
				Str("python", env.PythonPath).
				Str("version", env.PythonVersion.String()).
				Str("script", cfg.ScriptPath(dataDir)).
				Msg("starting application")
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "Listen address of the host front end")
	cmd.Flags().String("app-data-dir", "", "Application data directory")
	cmd.Flags().String("prefs-file", "", "YAML file with application preferences")
	return cmd
}

// bindHostFlags maps the run flags onto the host section.
func bindHostFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		"host.addr":         "addr",
		"host.app-data-dir": "app-data-dir",
		"host.prefs-file":   "prefs-file",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func newDepsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Install requirements.txt into the python directory's site-packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAppConfig(v)
			if err != nil {
				return err
			}
			env, err := pythonEnvironment(cfg)
			if err != nil {
				return err
			}
			dataDir := cfg.Host.AppDataDir
			target := filepath.Join(cfg.PythonDir(dataDir), "site-packages")
			if err := ensureDir(target); err != nil {
				return err
			}
			noCache, _ := cmd.Flags().GetBool("no-cache")

			requirements := cfg.RequirementsPath(dataDir)
			log.Info().Str("requirements", requirements).Str("target", target).Msg("installing requirements")
			return env.PipInstallRequirementsTarget(requirements, target, noCache, func(message string, current, total int64) {
				log.Debug().Int64("line", current).Msg(message)
			})
		},
	}
	cmd.Flags().Bool("no-cache", false, "Disable the pip cache")
	return cmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAppConfig(v)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
