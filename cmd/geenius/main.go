// Package main provides the geenius binary entry point.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/mxn2020/geenius-sub000/commands"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	os.Exit(commands.Execute())
}
