// Package build runs the local build/deploy action after a verified webhook.
//
// An Action is expanded by Plan into argv steps that are executed directly
// with os/exec. No step goes through a shell and nothing taken from the
// webhook request ends up on a command line.
//
// Two modes are supported:
//   - script: run Script with Args
//   - clone: git clone RepoURL (optionally Branch) into a fresh checkout
//     directory under WorkDir, then run Command inside it
//
// Every Trigger starts its own goroutine; builds are not serialized.
//
// Timeout handling:
//   - The whole build shares Action.Timeout
//   - On timeout or Shutdown the step's process group receives SIGTERM
//   - After a 5 second grace period it receives SIGKILL
//
// Combined stdout/stderr is captured per build and capped at 64KB.
// Failures are logged; they never affect the HTTP response that triggered
// the build.
package build
