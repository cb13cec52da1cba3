//go:build !unix

package batch

import "os/exec"

func setProcessGroup(*exec.Cmd) {}
