//go:build !linux

package spill

import "os"

func advise(*os.File) {}
