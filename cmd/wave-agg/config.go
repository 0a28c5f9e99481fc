// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/matrixorigin/wavegroup/pkg/config"
)

func configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wp := &config.WaveParameters{}
			wp.SetDefaultValues()
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(wp)
		},
	}
}

// loadParameters reads configFile, or uses the defaults when it is empty.
func loadParameters(cmd *cobra.Command, configFile string) (*config.WaveParameters, error) {
	if configFile != "" {
		return config.LoadWaveParameters(cmd.Context(), configFile)
	}
	wp := &config.WaveParameters{}
	wp.SetDefaultValues()
	return wp, wp.Validate(cmd.Context())
}
