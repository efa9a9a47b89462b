// Package doctor validates hookbuild configuration against the host it will
// run on.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hookbuild/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// minSecretLength is the shortest secret accepted without a warning.
const minSecretLength = 16

// knownSignatureHeaders are the headers providers put "sha1=<hex>" in.
var knownSignatureHeaders = []string{
	"X-Hub-Signature",
	"X-Gogs-Signature",
	"X-Gitea-Signature",
}

// Doctor checks a loaded config for problems Load cannot see: missing
// executables and risky but legal settings.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateScript(r)
	d.validateClone(r)
	d.warnShortSecret(r)
	d.warnOpenListener(r)
	d.warnSignatureHeader(r)
	d.warnKeepCheckout(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig repeats Load's validation so a hand-built Config is covered too.
func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
}

// validateScript checks the build script exists and is executable.
func (d *Doctor) validateScript(r *Result) {
	script := d.cfg.Build.Script
	if d.cfg.Build.CloneMode() || script == "" {
		return
	}

	// A bare name is resolved through PATH, like exec.Command does.
	if !strings.ContainsRune(script, os.PathSeparator) {
		if _, err := d.lookPath(script); err != nil {
			d.addError(r, "build", "build.script",
				fmt.Sprintf("build script %q not found on PATH", script))
		}
		return
	}

	info, err := os.Stat(script)
	switch {
	case err != nil:
		d.addError(r, "build", "build.script",
			fmt.Sprintf("build script %q not found: %v", script, err))
	case info.IsDir():
		d.addError(r, "build", "build.script",
			fmt.Sprintf("build script %q is a directory", script))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "build", "build.script",
			fmt.Sprintf("build script %q is not executable (chmod +x)", script))
	}
}

// validateClone checks git is available when builds clone a repository.
func (d *Doctor) validateClone(r *Result) {
	if !d.cfg.Build.CloneMode() {
		return
	}
	if _, err := d.lookPath("git"); err != nil {
		d.addError(r, "build", "build.repo_url",
			"repo_url is set but git was not found on PATH")
	}
}

func (d *Doctor) warnShortSecret(r *Result) {
	if n := len(d.cfg.Webhook.Secret); n > 0 && n < minSecretLength {
		d.addWarning(r, "security", "webhook.secret",
			fmt.Sprintf("secret is %d bytes; use at least %d random bytes", n, minSecretLength))
	}
}

func (d *Doctor) warnOpenListener(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.Webhook.Listen)
	if err != nil {
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		d.addWarning(r, "security", "webhook.listen",
			fmt.Sprintf("listening on all interfaces (%s); bind to a specific address behind a proxy if possible", d.cfg.Webhook.Listen))
	}
}

func (d *Doctor) warnSignatureHeader(r *Result) {
	header := d.cfg.Webhook.SignatureHeader
	if header == "" {
		return
	}
	for _, known := range knownSignatureHeaders {
		if strings.EqualFold(header, known) {
			return
		}
	}
	d.addWarning(r, "webhook", "webhook.signature_header",
		fmt.Sprintf("signature header %q is not one of %s", header, strings.Join(knownSignatureHeaders, ", ")))
}

func (d *Doctor) warnKeepCheckout(r *Result) {
	if d.cfg.Build.CloneMode() && d.cfg.Build.KeepCheckout {
		d.addWarning(r, "build", "build.keep_checkout",
			fmt.Sprintf("keep_checkout is enabled; checkouts accumulate under %s", d.cfg.Build.WorkDir))
	}
}

// WriteHuman writes a human-readable validation report to w. Colors are
// applied only when w is a terminal.
func WriteHuman(w io.Writer, r *Result) {
	if r == nil {
		return
	}

	re := lipgloss.NewRenderer(w)
	errStyle := re.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle := re.NewStyle().Foreground(lipgloss.Color("11"))
	okStyle := re.NewStyle().Foreground(lipgloss.Color("10"))
	dim := re.NewStyle().Faint(true)

	writeIssue := func(label string, issue Issue) {
		category := dim.Render("[" + issue.Category + "]")
		if issue.Field != "" {
			fmt.Fprintf(w, "  %s %s %s: %s\n", label, category, issue.Field, issue.Message)
		} else {
			fmt.Fprintf(w, "  %s %s %s\n", label, category, issue.Message)
		}
	}

	switch {
	case !r.Valid:
		fmt.Fprintf(w, "Validation: %s (%d error(s), %d warning(s))\n",
			errStyle.Render("failed"), len(r.Errors), len(r.Warnings))
	case len(r.Warnings) == 0:
		fmt.Fprintf(w, "Validation: %s\n", okStyle.Render("✓ All checks passed"))
		return
	default:
		fmt.Fprintf(w, "Validation: %s with %d warning(s)\n", okStyle.Render("✓ passed"), len(r.Warnings))
	}

	for _, issue := range r.Errors {
		writeIssue(errStyle.Render("ERROR"), issue)
	}
	for _, issue := range r.Warnings {
		writeIssue(warnStyle.Render("WARN "), issue)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
