/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"github.com/spf13/cobra"

	"github.com/srediag/plugin-uio/pkg/uio"
)

type options struct {
	configPath string
	sysfsRoot  string
	devDir     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "uioctl",
		Short: "Inspect UIO devices and their memory pool reservations",
		Long: `uioctl lists the userspace I/O devices of the system, reports which
process holds each page of a device memory pool and serves health and
metrics endpoints for them.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				uio.SetLogLevel(uio.LevelDebug)
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.sysfsRoot, "sysfs", "", "UIO sysfs root (default /sys/class/uio)")
	root.PersistentFlags().StringVar(&opts.devDir, "dev", "", "Directory of the uio device nodes (default /dev)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newListCmd(opts),
		newMeminfoCmd(opts),
		newWaitCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func (o *options) manager(cmd *cobra.Command) (*uio.Manager, error) {
	cfg, err := uio.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.sysfsRoot != "" {
		cfg.SysfsRoot = o.sysfsRoot
	}
	if o.devDir != "" {
		cfg.DevDir = o.devDir
	}
	cfg.LogOutput = cmd.ErrOrStderr()
	return uio.NewManager(cfg)
}
