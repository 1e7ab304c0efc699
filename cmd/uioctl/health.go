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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/plugin-uio/pkg/uio"
)

func newHealthCmd(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "health [name...]",
		Short: "Serve /live, /ready and /metrics for the given devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			handles := make([]*uio.Handle, 0, len(args))
			defer func() {
				for _, h := range handles {
					_ = h.Close()
				}
			}()
			for _, name := range args {
				h, err := m.Open(ctx, name)
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}

			health := uio.NewHealthHandler(m, handles...)
			mux := http.NewServeMux()
			mux.Handle("/live", health)
			mux.Handle("/ready", health)
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.OutOrStdout(), "serving on %s\n", listen)
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9464", "Address to serve on")
	return cmd
}
