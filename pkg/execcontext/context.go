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

// Package execcontext describes how an external command is run: extra environment variables and a command
// prepended to it, e.g. "sudo -n" or "ionice -c3".
package execcontext

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		envs:       maps.Clone(envs),
		prependCmd: slices.Clone(prependCmd),
	}
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *execContext) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)

	return out
}

// PrependCmd implements Context.
func (c *execContext) PrependCmd() []string {
	return slices.Clone(c.prependCmd)
}

// Command returns a command running name with args under ctx.
//
// The command inherits the environment of the current process, extended with ctx.Envs(). A nil ctx runs the
// command as is.
func Command(goCtx context.Context, ctx Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(goCtx, name, args...)
	cmd.Env = os.Environ()

	if ctx != nil {
		ApplyToCmd(ctx, cmd)
	}

	return cmd
}

// ApplyToCmd appends the envs of ctx to cmd.Env and rewrites cmd to run behind the prepended command.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	for _, k := range slices.Sorted(maps.Keys(ctx.Envs())) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, ctx.Envs()[k]))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) == 0 {
		return
	}

	wrapper := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = wrapper.Path
	cmd.Err = wrapper.Err
	cmd.Args = append(wrapper.Args, cmd.Args...)
}

// FormatCmd renders cmd as a single shell command line, e.g. to run it through an ssh session.
func FormatCmd(ctx Context, cmd ...string) string {
	var b strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&b, "%s=%q ", k, envs[k])
	}

	for _, s := range slices.Concat(ctx.PrependCmd(), cmd) {
		if _, ok := shellOperators[s]; ok {
			fmt.Fprintf(&b, "%s ", s)
			continue
		}

		fmt.Fprintf(&b, "%q ", s)
	}

	return strings.TrimSpace(b.String())
}

var shellOperators = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
}
