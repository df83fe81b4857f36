package worker

import (
	"os"
	"sort"
	"strings"
)

const (
	RuntimeDocker = "docker"
	RuntimeLocal  = "local"
)

// Invocation describes how to start one worker process.
type Invocation struct {
	Program string
	Args    []string
	// Env is the allow-listed variable bag the worker receives.
	Env map[string]string
	// InheritEnv lets the launched program see the host environment. Only
	// the container runtime sets it: the docker client needs the host
	// environment while the container itself only gets the -e flags.
	InheritEnv bool
}

// Environ renders the process environment for the invocation.
func (inv Invocation) Environ(host []string) []string {
	if inv.InheritEnv {
		return host
	}
	out := make([]string, 0, len(inv.Env))
	for _, k := range sortedKeys(inv.Env) {
		out = append(out, k+"="+inv.Env[k])
	}
	return out
}

type CommandConfig struct {
	Runtime       string
	Image         string
	Network       string
	Program       string
	ForwardPrefix string
	ForwardNames  []string
	// Injected variables are always passed, regardless of the host environment.
	Injected map[string]string
}

// Builder turns a prompt into a worker invocation.
type Builder interface {
	Build(prompt string) Invocation
}

// BuildCommand is pure: the same config, prompt and environ always yield the
// same invocation.
func BuildCommand(cfg CommandConfig, prompt string, environ []string) Invocation {
	forwarded := forwardEnv(cfg, environ)

	env := make(map[string]string, len(forwarded)+len(cfg.Injected))
	for k, v := range forwarded {
		env[k] = v
	}
	for k, v := range cfg.Injected {
		env[k] = v
	}

	if cfg.Runtime == RuntimeLocal {
		return Invocation{
			Program: cfg.Program,
			Args:    []string{"--prompt", prompt},
			Env:     env,
		}
	}

	args := []string{"run", "--rm"}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	for _, k := range sortedKeys(forwarded) {
		if _, injected := cfg.Injected[k]; injected {
			continue
		}
		args = append(args, "-e", k+"="+forwarded[k])
	}
	for _, k := range sortedKeys(cfg.Injected) {
		args = append(args, "-e", k+"="+cfg.Injected[k])
	}
	args = append(args, cfg.Image, "--prompt", prompt)

	return Invocation{
		Program:    "docker",
		Args:       args,
		Env:        env,
		InheritEnv: true,
	}
}

func forwardEnv(cfg CommandConfig, environ []string) map[string]string {
	names := make(map[string]struct{}, len(cfg.ForwardNames))
	for _, n := range cfg.ForwardNames {
		names[n] = struct{}{}
	}

	out := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		_, listed := names[k]
		if listed || (cfg.ForwardPrefix != "" && strings.HasPrefix(k, cfg.ForwardPrefix)) {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CommandBuilder reads the host environment at build time.
type CommandBuilder struct {
	Cfg     CommandConfig
	Environ func() []string
}

func NewCommandBuilder(cfg CommandConfig) *CommandBuilder {
	return &CommandBuilder{Cfg: cfg, Environ: os.Environ}
}

func (b *CommandBuilder) Build(prompt string) Invocation {
	return BuildCommand(b.Cfg, prompt, b.Environ())
}
