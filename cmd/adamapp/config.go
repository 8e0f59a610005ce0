package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/richinsley/adamboot"
	"github.com/richinsley/adamboot/devhost"
)

// appConfig is adamapp.yaml: the runtime settings plus the host section.
type appConfig struct {
	adamboot.Config `mapstructure:",squash" yaml:",inline"`

	Host devhost.Config `mapstructure:"host" yaml:"host"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		Config: adamboot.DefaultConfig(),
		Host:   devhost.DefaultConfig(),
	}
}

// setDefaults makes every key known to viper so ADAMAPP_* variables apply
// to all of them.
func setDefaults(v *viper.Viper) {
	def := defaultAppConfig()
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("python.executable", def.Python.Executable)
	v.SetDefault("python.dir", def.Python.Dir)
	v.SetDefault("python.script", def.Python.Script)
	v.SetDefault("python.system_lib_path", def.Python.SystemLibPath)
	v.SetDefault("python.home", def.Python.Home)
	v.SetDefault("python.module", def.Python.Module)
	v.SetDefault("python.exit_grace", def.Python.ExitGrace)
	v.SetDefault("python.requirements", def.Python.Requirements)
	v.SetDefault("host.addr", def.Host.Addr)
	v.SetDefault("host.app-data-dir", def.Host.AppDataDir)
	v.SetDefault("host.prefs-file", def.Host.PrefsFile)
	v.SetDefault("host.response-timeout", def.Host.ResponseTimeout)
	v.SetDefault("host.handle-signals", def.Host.HandleSignals)
}

// initConfig reads adamapp.yaml from configPath or the usual places.
// A missing file is fine.
func initConfig(v *viper.Viper, configPath string) error {
	v.SetEnvPrefix("adamapp")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("adamapp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.adamapp")
		v.AddConfigPath("/etc/adamapp")
	}

	err := v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	return err
}

func loadAppConfig(v *viper.Viper) (appConfig, error) {
	cfg := defaultAppConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding configuration")
	}
	if cfg.Host.AppDataDir != "" {
		dir, err := filepath.Abs(cfg.Host.AppDataDir)
		if err != nil {
			return cfg, errors.Wrap(err, "resolving app data dir")
		}
		cfg.Host.AppDataDir = dir
	}
	return cfg, nil
}

func pythonEnvironment(cfg appConfig) (*adamboot.PythonEnvironment, error) {
	if cfg.Python.Executable != "" {
		return adamboot.CreateEnvironmentFromExacutable(cfg.Python.Executable)
	}
	return adamboot.CreateEnvironmentFromSystem()
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(path, 0o755), "creating %s", path)
}
