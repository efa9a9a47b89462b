package build

import (
	"maps"
	"slices"
	"time"

	"github.com/mattjoyce/hookbuild/internal/config"
)

// Action describes what a build does.
type Action struct {
	Script string
	Args   []string

	RepoURL      string
	Branch       string
	Command      []string
	WorkDir      string
	KeepCheckout bool

	Env     map[string]string
	Timeout time.Duration
}

// ActionFromConfig converts config.BuildConfig to an Action.
func ActionFromConfig(bc config.BuildConfig) Action {
	return Action{
		Script:       bc.Script,
		Args:         slices.Clone(bc.Args),
		RepoURL:      bc.RepoURL,
		Branch:       bc.Branch,
		Command:      slices.Clone(bc.Command),
		WorkDir:      bc.WorkDir,
		KeepCheckout: bc.KeepCheckout,
		Env:          maps.Clone(bc.Env),
		Timeout:      bc.Timeout,
	}
}

// CloneMode reports whether the action clones a repository first.
func (a Action) CloneMode() bool {
	return a.RepoURL != ""
}

// Step is a single command, run without a shell.
type Step struct {
	Name string
	Argv []string
	Dir  string
}

// Plan expands a into the steps to run. checkoutDir is the clone target and
// is ignored in script mode.
func Plan(a Action, checkoutDir string) []Step {
	if !a.CloneMode() {
		argv := append([]string{a.Script}, a.Args...)
		return []Step{{Name: "script", Argv: argv}}
	}

	clone := []string{"git", "clone", "--depth", "1"}
	if a.Branch != "" {
		clone = append(clone, "--branch="+a.Branch)
	}
	clone = append(clone, "--", a.RepoURL, checkoutDir)

	return []Step{
		{Name: "clone", Argv: clone},
		{Name: "build", Argv: slices.Clone(a.Command), Dir: checkoutDir},
	}
}

// environ returns the extra KEY=value pairs for a build, sorted by key.
func (a Action) environ(buildID, checkoutDir string) []string {
	env := make([]string, 0, len(a.Env)+2)
	for _, k := range slices.Sorted(maps.Keys(a.Env)) {
		env = append(env, k+"="+a.Env[k])
	}
	env = append(env, "HOOKBUILD_BUILD_ID="+buildID)
	if checkoutDir != "" {
		env = append(env, "HOOKBUILD_CHECKOUT_DIR="+checkoutDir)
	}
	return env
}
