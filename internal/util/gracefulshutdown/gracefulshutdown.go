/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


// Package gracefulshutdown ties the lifetime of a command to SIGINT and SIGTERM.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitCodeInterrupted is the exit code used when a signal triggers the shutdown.
const ExitCodeInterrupted = 130

// GracefulShutdown cancels its context on SIGINT or SIGTERM, waits for the registered goroutines, then exits.
//
// A goroutine finishing on its own must call WaitGroup().Done() before Shutdown, otherwise Shutdown blocks.
type GracefulShutdown struct {
	name string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ready is closed once every WaitGroup().Add() was made.
	ready     chan struct{}
	readyOnce sync.Once
	once      sync.Once

	exit func(int)
}

// New returns a GracefulShutdown exiting the process with os.Exit.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// NewWithExit is like New but calls exit instead of os.Exit.
func NewWithExit(name string, exit func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	s := &GracefulShutdown{ //nolint:exhaustruct
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		exit:   exit,
	}

	go s.awaitSignal()

	return s
}

func (s *GracefulShutdown) awaitSignal() {
	select {
	case <-s.ready:
		<-s.ctx.Done()
	case <-s.ctx.Done():
		slog.Warn("context cancelled before Ready was called", "name", s.name)
	}

	s.Shutdown(ExitCodeInterrupted)
}

// Run runs fn with the shutdown context and exits with the code it returns, or with ExitCodeInterrupted if a
// signal arrived first.
func (s *GracefulShutdown) Run(fn func(ctx context.Context) int) {
	s.wg.Add(1)
	s.Ready()

	code := fn(s.ctx)

	s.wg.Done()
	s.Shutdown(code)
}

// Shutdown cancels the context, waits for the registered goroutines and exits with exitCode. Only the first call
// has an effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.InfoContext(s.ctx, "gracefully shutting down", "name", s.name, "exitCode", exitCode)

		s.cancel()
		s.wg.Wait()
		s.exit(exitCode)
	})
}

func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return &s.wg
}

// Ready signals that every WaitGroup().Add() was made. It must be called before the context can be cancelled.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() { close(s.ready) })
}
