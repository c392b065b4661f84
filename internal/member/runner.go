package member

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/common/logger"
)

// killGrace is how long a terminated child gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// stderrTailLimit bounds the stderr bytes kept for classification.
const stderrTailLimit = 8 * 1024

// Request describes one agent invocation.
type Request struct {
	Prompt      string
	ResumeToken string
	Timeout     time.Duration
	StreamPath  string // "" disables the live stream tee
	Streaming   bool
	WorkDir     string // "" runs in the current directory
	Cancel      <-chan struct{}

	// OnStart, when set, receives the child pid right after spawn. Used to
	// record liveness in the session store.
	OnStart func(pid int)
}

// Response is the outcome of one run. The runner never returns a Go error to
// its caller; every outcome, including crashes and timeouts, is a Response.
type Response struct {
	Name         string
	Text         string
	SessionToken string
	Err          error
	Elapsed      time.Duration
	Interrupted  bool
	TimedOut     bool

	// Raw run artifacts, kept for classification and error bodies.
	ExitCode   int
	Stdout     []byte
	StderrTail string
}

// Failed reports whether the run produced anything other than a clean reply.
func (r *Response) Failed() bool {
	return r.Err != nil || r.Interrupted || r.TimedOut
}

// Run executes one agent subprocess to completion. Stdout is read line by
// line and, when a stream path is given, each line is appended and flushed
// so observers see live output. The child runs in its own process group so
// termination reaches vendor-spawned grandchildren.
func Run(agent *AgentConfig, req Request) *Response {
	log := logger.Default().WithMember(agent.Name)
	start := time.Now()
	resp := &Response{Name: agent.Name}

	argv := buildArgv(agent, req.Prompt, req.ResumeToken, req.Streaming)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		resp.Err = errs.RunFailed(agent.Name, true, err)
		resp.Elapsed = time.Since(start)
		return resp
	}

	var stream *os.File
	if req.StreamPath != "" {
		stream, err = os.OpenFile(req.StreamPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Warn("cannot open stream file, continuing without live output")
			stream = nil
		}
	}

	if err := cmd.Start(); err != nil {
		if stream != nil {
			stream.Close()
		}
		resp.Err = classifyStartError(agent, err)
		resp.Elapsed = time.Since(start)
		return resp
	}
	log.Debug("agent started",
		zap.Int("pid", cmd.Process.Pid), zap.Bool("streaming", req.Streaming))
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}

	// Drain stdout on a separate goroutine; teeing and capture share the
	// same lines so the parser sees exactly what observers saw.
	var stdout bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		teeLines(stdoutPipe, &stdout, stream)
	}()

	waitDone := make(chan error, 1)
	go func() {
		<-readDone
		waitDone <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-timeoutCh:
		resp.TimedOut = true
		terminate(cmd, log)
		waitErr = <-waitDone
	case <-req.Cancel:
		resp.Interrupted = true
		terminate(cmd, log)
		waitErr = <-waitDone
	}

	if stream != nil {
		stream.Close()
	}

	resp.Elapsed = time.Since(start)
	resp.Stdout = stdout.Bytes()
	resp.StderrTail = tail(stderr.Bytes(), stderrTailLimit)
	resp.ExitCode = exitCode(waitErr)

	parsed := agent.Family.ParseResponse(resp.Stdout, stderr.Bytes(), resp.ExitCode)
	resp.Text = parsed.Text
	resp.SessionToken = parsed.SessionToken

	switch {
	case resp.Interrupted:
		resp.Err = errs.Interrupted(agent.Name)
	case resp.TimedOut:
		resp.Err = errs.Timeout(agent.Name, int(req.Timeout.Seconds()))
	case parsed.IsError:
		class := Classify(resp.ExitCode, resp.StderrTail, string(resp.Stdout), false)
		resp.Err = errs.RunFailed(agent.Name, class != ClassNonRetriable,
			fmt.Errorf("%s", parsed.ErrorMessage))
	case Classify(resp.ExitCode, resp.StderrTail, string(resp.Stdout), false) == ClassRetriable:
		// Exit zero with empty output; the vendor CLI swallowed its reply.
		resp.Err = errs.RunFailed(agent.Name, true, fmt.Errorf("empty response"))
	}

	log.Debug("agent finished",
		zap.Duration("elapsed", resp.Elapsed.Round(time.Millisecond)),
		zap.Int("exit", resp.ExitCode),
		zap.Bool("failed", resp.Failed()))
	return resp
}

// RunWithRetry runs the agent and re-runs it once when the first attempt
// classifies as retriable. Timeouts and interruptions never auto-retry.
func RunWithRetry(agent *AgentConfig, req Request) *Response {
	resp := Run(agent, req)
	if ShouldAutoRetry(resp) {
		logger.Default().WithMember(agent.Name).Info("retrying agent once after retriable failure")
		// A partial session from the failed attempt is worth resuming.
		if resp.SessionToken != "" {
			req.ResumeToken = resp.SessionToken
		}
		resp = Run(agent, req)
	}
	return resp
}

// teeLines copies r line by line into capture and, when stream is non-nil,
// appends each line to the stream file flushed per line. Trailing bytes
// without a newline are still captured at EOF.
func teeLines(r io.Reader, capture *bytes.Buffer, stream *os.File) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			capture.Write(line)
			if stream != nil {
				stream.Write(line)
				stream.Sync()
			}
		}
		if err != nil {
			return
		}
	}
}

// terminate stops the child's whole process group: SIGTERM, a grace window,
// then SIGKILL.
func terminate(cmd *exec.Cmd, log *logger.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.After(killGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			log.Warn("agent ignored SIGTERM, killing process group")
			syscall.Kill(pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Group gone means the SIGTERM landed.
			if err := syscall.Kill(pgid, 0); err != nil {
				return
			}
		}
	}
}

// classifyStartError turns a spawn failure into the right error kind.
func classifyStartError(agent *AgentConfig, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return errs.BackendUnavailable(agent.Family.Name, agent.Family.InstallHint, err)
	}
	return errs.RunFailed(agent.Name, true, err)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func tail(b []byte, limit int) string {
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(bytes.TrimSpace(b))
}
