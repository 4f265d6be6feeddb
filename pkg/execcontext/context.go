// Package execcontext describes how the harness wraps the processes it spawns: extra
// environment variables and a command prefix such as "sudo -E".
package execcontext

import (
	stdcontext "context"
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
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context that runs commands as they are.
func Empty() Context {
	return New(nil, nil)
}

// Sudo returns a Context that runs every command through `sudo -E`.
func Sudo() Context {
	return New(nil, []string{"sudo", "-E"})
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Command returns an *exec.Cmd running name with args under ctx.
func Command(ctx Context, name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	ApplyToCmd(ctx, cmd)
	return cmd
}

// CommandContext is Command bound to ctx: the process is killed when ctx is done.
func CommandContext(ctx stdcontext.Context, ec Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	ApplyToCmd(ec, cmd)
	return cmd
}

// ApplyToCmd adds the Context's environment to cmd and rewrites it to run behind the prefix.
// The process environment is inherited.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	envs := ctx.Envs()
	if len(envs) > 0 && cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, envs[k]))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Err = tmpCmd.Err
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as it would be typed in a shell, for logs.
func FormatCmd(ctx Context, cmd ...string) string {
	out := ""

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out = fmt.Sprintf("%s%s=%q ", out, k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		out = safelyAppendToCmd(out, s)
	}

	for _, s := range cmd {
		out = safelyAppendToCmd(out, s)
	}

	return strings.TrimSpace(out)
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func safelyAppendToCmd(cmd string, s string) string {
	if _, ok := unquottable[s]; ok {
		return fmt.Sprintf("%s%s ", cmd, s)
	}
	return fmt.Sprintf("%s%q ", cmd, s)
}
