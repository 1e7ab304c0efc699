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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srediag/plugin-uio/pkg/uio"
)

func newMeminfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "meminfo <name>",
		Short: "Show which process holds each page of a device memory pool",
		Long: `meminfo opens the first device whose name starts with <name> and
prints one line per pool page: its physical range and the pid and command
line of the holder, or ---- when the page is free.

Example:
  uioctl meminfo VPU`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			h, err := m.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer h.Close()

			out := cmd.OutOrStdout()
			regs := h.Registers()
			fmt.Fprintf(out, "%s: registers 0x%08x +0x%x\n", h.Device().Name, regs.Address(), regs.Size())
			pool := h.Pool()
			if pool == nil {
				fmt.Fprintf(out, "%s: no memory pool\n", h.Device().Name)
				return nil
			}
			fmt.Fprintf(out, "%s: pool 0x%08x +0x%x (%d pages)\n", h.Device().Name, pool.Address(), pool.Size(), pool.PageCount())
			usage, err := h.Usage()
			if err != nil {
				return err
			}
			return uio.FormatUsage(out, usage)
		},
	}
}
