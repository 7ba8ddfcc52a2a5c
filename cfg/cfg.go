// SPDX-License-Identifier: ice License 1.0

package cfg

import (
	"log"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const (
	modulePath                       = "github.com/someonewithpc/gnusocial-sub003/"
	envPrefix                        = "GNUSOCIAL"
	defaultYAMLConfigurationFilePath = "/etc/gnusocial/federation.yaml"
)

var (
	yamlConfigurationFilePathInitializer = new(sync.Once)
	yamlConfigurationFilePath            string
)

// MustInit loads the first readable file out of absoluteCfgPaths. Only the first call has any effect.
func MustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePathInitializer.Do(func() { mustInit(absoluteCfgPaths...) })
}

func mustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePath = ""
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "/", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, path := range absoluteCfgPaths {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err == nil {
			yamlConfigurationFilePath = path

			break
		}
	}
	if yamlConfigurationFilePath == "" {
		if len(absoluteCfgPaths) > 0 {
			log.Printf("WARN: could not find any of the provided file paths %+v, defaulting to `%v`", absoluteCfgPaths, defaultYAMLConfigurationFilePath)
		}
		yamlConfigurationFilePath = defaultYAMLConfigurationFilePath
		viper.SetConfigFile(yamlConfigurationFilePath)
		if err := viper.ReadInConfig(); err != nil {
			log.Printf("WARN: %v", errors.Wrapf(err, "no configuration file loaded, relying on defaults and %v_* env vars", envPrefix))
		}
	}
}

// Key is the yaml key a config struct of type T is read from: its package path relative to the module.
func Key[T any]() string {
	var t T

	return strings.Replace(reflect.TypeOf(t).PkgPath(), modulePath, "", 1)
}

// Get reads the section of type T, keeping whatever defaults t already holds for absent keys.
func Get[T any](t *T) error {
	key := Key[T]()
	if !viper.IsSet(key) {
		return nil
	}
	if err := viper.UnmarshalKey(key, t); err != nil {
		return errors.Wrapf(err, "could not deserialise `%v` yaml key `%v` into %T", yamlConfigurationFilePath, key, t)
	}

	return nil
}

func MustGet[T any]() *T {
	var t T
	if err := Get(&t); err != nil {
		log.Panic(err)
	}

	return &t
}
