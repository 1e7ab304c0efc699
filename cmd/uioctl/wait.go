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
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

func newWaitCmd(opts *options) *cobra.Command {
	var (
		timeout time.Duration
		count   int
	)
	cmd := &cobra.Command{
		Use:   "wait <name>",
		Short: "Wait for interrupts of a device and print their counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			h, err := m.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer h.Close()

			for i := 0; count <= 0 || i < count; i++ {
				wctx := ctx
				var cancel context.CancelFunc = func() {}
				if timeout > 0 {
					wctx, cancel = context.WithTimeout(ctx, timeout)
				}
				n, err := h.Wait(wctx)
				cancel()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", h.Device().Name, n)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Give up after waiting this long for one interrupt")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of interrupts to wait for, 0 for no limit")
	return cmd
}
