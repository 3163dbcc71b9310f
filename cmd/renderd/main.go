// Command renderd is the renderq render service.
//
//	renderd serve   runs the control API, the submission intake and the
//	                in-process or out-of-process render engine
//	renderd render  renders writers of a project once; this is also the
//	                child command of out-of-process renders
package main

import (
	"fmt"
	"os"
	"strings"

	"renderq/internal/config"
	"renderq/internal/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "render":
		os.Exit(runRender(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: renderd <serve|render> [flags]")
}

// newLogger builds the process logger from LOG_* env with the configured
// service name.
func newLogger(cfg config.Config, suffix string) *logger.Logger {
	lc := logger.DefaultConfig()
	lc.ServiceName = cfg.ServiceName + suffix
	lc.Output = os.Stderr
	return logger.New(lc)
}

// listFlag collects a repeatable, comma separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}
