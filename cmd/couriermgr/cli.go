// Copyright 2019 PayPal Inc.
//
// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rdcourier/fleet/admin"
	"github.com/rdcourier/fleet/client/courier"
	"github.com/rdcourier/fleet/common"
	"github.com/rdcourier/fleet/lib"
	"github.com/rdcourier/fleet/utility/logger"
)

func buildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "couriermgr",
		Short: "Manager of a fleet of ETL couriers",
		Long: `couriermgr accepts the ETL couriers, checks they are alive and stores
the results they report into the configured databases.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildCourierCommand())
	rootCmd.AddCommand(buildStatusCommand())
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGPIPE)
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildServeCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return lib.Run(ctx, configFile, admin.Hook())
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "couriermgr.txt", "config file path (.txt or .yaml)")
	return cmd
}

type courierOptions struct {
	addr     string
	code     string
	timeout  time.Duration
	sessions int
	results  int
	pipe     string
	duration time.Duration
}

func courierFlags(opts *courierOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("courier", pflag.ContinueOnError)
	fs.StringVar(&opts.addr, "addr", "127.0.0.1:4000", "manager primary address")
	fs.StringVar(&opts.code, "code", "demo", "courier configuration code")
	fs.DurationVar(&opts.timeout, "timeout", 4*time.Second, "request timeout")
	fs.IntVar(&opts.sessions, "stat-sessions", 2, "max stat sessions")
	fs.IntVar(&opts.results, "results", 0, "number of synthetic results to report")
	fs.StringVar(&opts.pipe, "pipe", "demo", "pipe name of the synthetic results")
	fs.DurationVar(&opts.duration, "duration", 0, "stay registered this long, 0 waits for a signal")
	return fs
}

func buildCourierCommand() *cobra.Command {
	opts := &courierOptions{}
	cmd := &cobra.Command{
		Use:   "courier",
		Short: "Run a test courier reporting synthetic results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runCourier(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().AddFlagSet(courierFlags(opts))
	return cmd
}

func runCourier(ctx context.Context, opts *courierOptions, out io.Writer) error {
	logger.CreateWriterLogger(os.Stderr, "COURIER", logger.Warning)
	c, err := courier.Connect(ctx, courier.Config{
		Addr:            opts.addr,
		Code:            opts.code,
		Timeout:         opts.timeout,
		MaxStatSessions: opts.sessions,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(out, "registered as courier %d\n", c.WorkerID())

	for i := 0; i < opts.results; i++ {
		start := time.Now()
		r := &common.ProcessResult{
			ID:          int64(i + 1),
			Pipe:        opts.pipe,
			RecordCount: int32(rand.Intn(1000)),
			StartTime:   start.UnixMilli(),
			TotalTime:   int64(rand.Intn(500)),
		}
		if err = c.Report(ctx, r); err != nil {
			return fmt.Errorf("result %d: %w", r.ID, err)
		}
	}
	if opts.results > 0 {
		fmt.Fprintf(out, "%d results reported\n", opts.results)
	}

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timeout = time.After(opts.duration)
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-c.Done():
		return fmt.Errorf("courier %d: disconnected by the manager", c.WorkerID())
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the registered couriers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(adminAddr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "127.0.0.1:4080", "admin address of the manager")
	return cmd
}

func printStatus(adminAddr string, out io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + adminAddr + "/couriers?format=text")
	if err != nil {
		return fmt.Errorf("failed to connect to manager: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manager returned %s", resp.Status)
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(out, "no courier registered")
	}
	return nil
}
