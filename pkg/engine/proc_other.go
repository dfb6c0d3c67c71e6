//go:build !unix

package engine

import "os/exec"

func configureProcessGroup(_ *exec.Cmd) {}
