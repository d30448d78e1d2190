// Copyright 2024 Alexandre Mahdhaoui
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

// Package logging configures the process-wide loggers of vmshift.
//
// Records emitted through log/slog and through logr (controller-runtime) end up in the same zap core, so that a
// run produces a single, consistently encoded stream.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (console encoder, debug level).
	Development bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// Setup installs the default slog logger and the controller-runtime logger, and returns the latter.
// It must be called early in main() before anything logs.
func Setup(opts Options) logr.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	logger := zap.New(
		zap.UseDevMode(opts.Development),
		zap.WriteTo(opts.Output),
	)

	ctrl.SetLogger(logger)
	slog.SetDefault(slog.New(logr.ToSlogHandler(logger)))

	return logger
}
