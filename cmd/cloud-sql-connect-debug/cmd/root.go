// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// zapLogger adapts a zap.SugaredLogger to the connector's debug.Logger
// interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

// Command represents an invocation of cloud-sql-connect-debug.
type Command struct {
	*cobra.Command

	instance    string
	useIAMAuthN bool
	verbose     bool
}

// NewCommand returns a Command ready to Execute.
func NewCommand() *Command {
	c := &Command{}
	cmd := &cobra.Command{
		Use:   "cloud-sql-connect-debug",
		Short: "Dial a Cloud SQL instance and report how long the connection took.",
		Long: `cloud-sql-connect-debug dials a single Cloud SQL instance using the same
connector this module exports, then reports the time spent on the Admin API
fetch and TLS handshake combined. It's meant for diagnosing connectivity
issues in isolation, not as a long-running proxy.`,
		RunE: func(*cobra.Command, []string) error {
			return c.run()
		},
	}
	cmd.Flags().StringVarP(&c.instance, "instance", "i", "", "instance connection name, in the form project:region:instance (required)")
	cmd.Flags().BoolVar(&c.useIAMAuthN, "iam-auth", false, "authenticate with an IAM database user's automatic IAM token instead of a database password")
	cmd.Flags().BoolVarP(&c.verbose, "verbose", "v", false, "log the connector's internal refresh and dial activity")
	_ = cmd.MarkFlagRequired("instance")

	c.Command = cmd
	return c
}

func (c *Command) run() error {
	ctx := context.Background()

	var opts []cloudsqlconn.Option
	if c.useIAMAuthN {
		opts = append(opts, cloudsqlconn.WithIAMAuthN())
	}
	if c.verbose {
		zl, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		defer zl.Sync()
		opts = append(opts, cloudsqlconn.WithLogger(zapLogger{s: zl.Sugar()}))
	}
	d, err := cloudsqlconn.NewDialer(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to init Dialer: %w", err)
	}
	defer d.Close()

	start := time.Now()
	conn, err := d.Dial(ctx, c.instance)
	if err != nil {
		return fmt.Errorf("failed to dial %q: %w", c.instance, err)
	}
	elapsed := time.Since(start)
	defer conn.Close()

	fmt.Printf("connected to %s in %s\n", c.instance, elapsed)
	return nil
}
