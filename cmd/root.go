// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the nvfuse CLI surface of spec.md §6: format and
// mount, built the way the teacher codebase builds its own gcsfuse command
// (cobra root command, pflag-bound config, viper config-file overlay).
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nvfuse/nvfuse/cfg"
)

var (
	cfgFile      string
	printConfig  bool
	resolved     cfg.Config
	bindErr      error
	loadErr      error
	unmarshalErr error
)

// rootCmd is the "nvfuse" entry point; format/mount are its subcommands.
var rootCmd = &cobra.Command{
	Use:           "nvfuse",
	Short:         "Userspace POSIX filesystem over a raw block device",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config-file", "c", "", "Path to a YAML config file (flags override it).")
	rootCmd.PersistentFlags().BoolVar(&printConfig, "print-config", false, "Print the fully resolved configuration as YAML and exit.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				loadErr = fmt.Errorf("reading config file %s: %w", cfgFile, err)
				return
			}
		}
		viper.SetEnvPrefix("NVFUSE")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()

		decoderOpt := viper.DecodeHook(cfg.DecodeHook())
		if err := viper.Unmarshal(&resolved, decoderOpt); err != nil {
			unmarshalErr = fmt.Errorf("unmarshalling config: %w", err)
			return
		}
		if err := cfg.Rationalize(&resolved); err != nil {
			unmarshalErr = err
		}
	})

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(mountCmd)
}

// preRun surfaces any error captured during init/OnInitialize before a
// subcommand's RunE sees a half-initialized resolved config. It also
// honors --print-config, short-circuiting the subcommand entirely.
func preRun() error {
	if bindErr != nil {
		return bindErr
	}
	if loadErr != nil {
		return loadErr
	}
	if unmarshalErr != nil {
		return unmarshalErr
	}
	if printConfig {
		dump, err := resolved.Dump()
		if err != nil {
			return fmt.Errorf("print-config: %w", err)
		}
		fmt.Print(dump)
		return errPrintConfigDone
	}
	return cfg.ValidateConfig(&resolved)
}

// errPrintConfigDone is returned by preRun after honoring --print-config,
// so Execute exits 0 without running the subcommand's normal validation.
var errPrintConfigDone = errors.New("print-config: done")

// Execute runs the nvfuse root command; it is the single entry point
// main.go calls.
func Execute() error {
	err := rootCmd.Execute()
	if errors.Is(err, errPrintConfigDone) {
		return nil
	}
	return err
}
