// Package worker detaches a council run into a background process. The
// parent re-executes its own binary with a hidden subcommand and returns
// immediately; the child loads config, runs the orchestrator against the
// already-created thread, and exits. The thread files are the only
// communication channel, so a crashed worker is recovered by the status
// deriver and retry engine, not by process supervision.
package worker

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jbohnslav/kingdom/internal/common/errs"
)

// Subcommand is the hidden CLI verb the spawned child runs.
const Subcommand = "worker"

// Options carries everything the detached child needs to rebuild the run.
type Options struct {
	StateDir string
	Branch   string
	ThreadID string
	Members  []string
	Phase    string
	Timeout  time.Duration
	Prompt   string
}

// Args renders the child argv after the program name. ParseArgs inverts it.
func (o *Options) Args() []string {
	args := []string{
		Subcommand,
		"--state", o.StateDir,
		"--branch", o.Branch,
		"--thread", o.ThreadID,
		"--members", strings.Join(o.Members, ","),
		"--phase", o.Phase,
		"--timeout", strconv.Itoa(int(o.Timeout.Seconds())),
		"--prompt", o.Prompt,
	}
	return args
}

// ParseArgs rebuilds Options from a child argv produced by Args. The
// leading subcommand must already be stripped.
func ParseArgs(args []string) (*Options, error) {
	opts := &Options{}
	for i := 0; i < len(args); i++ {
		flag := args[i]
		if i+1 >= len(args) {
			return nil, errs.Validation(flag, "missing value")
		}
		i++
		value := args[i]
		switch flag {
		case "--state":
			opts.StateDir = value
		case "--branch":
			opts.Branch = value
		case "--thread":
			opts.ThreadID = value
		case "--members":
			if value != "" {
				opts.Members = strings.Split(value, ",")
			}
		case "--phase":
			opts.Phase = value
		case "--timeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return nil, errs.Validation("--timeout", "not an integer")
			}
			opts.Timeout = time.Duration(secs) * time.Second
		case "--prompt":
			opts.Prompt = value
		default:
			return nil, errs.Validation(flag, "unknown worker flag")
		}
	}
	if opts.ThreadID == "" {
		return nil, errs.Validation("--thread", "required")
	}
	return opts, nil
}

// Spawn launches the detached child and returns its pid. All three standard
// streams point at /dev/null and the child gets its own session, so it
// survives the parent's terminal going away.
func Spawn(opts Options) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, errs.Internal("locate own executable", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, errs.Internal("open "+os.DevNull, err)
	}
	defer devnull.Close()

	argv := append([]string{exe}, opts.Args()...)
	proc, err := os.StartProcess(exe, argv, &os.ProcAttr{
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return 0, errs.Internal("spawn detached worker", err)
	}
	pid := proc.Pid

	// The child belongs to its own session now; drop our handle so it is
	// never reaped through us.
	if err := proc.Release(); err != nil {
		return pid, errs.Internal("release worker process", err)
	}
	return pid, nil
}
