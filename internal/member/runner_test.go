package member

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbohnslav/kingdom/internal/backend"
	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/config"
)

// writeScript drops an executable shell stub and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// stubFamily wraps a script in a minimal family whose parser treats stdout
// as the reply text verbatim.
func stubFamily(script string) *backend.Family {
	return &backend.Family{
		Name:      "stub",
		Command:   script,
		BaseArgv:  []string{script},
		StreamExt: ".jsonl",
		ParseResponse: func(stdout, stderr []byte, exitCode int) backend.Response {
			return backend.Response{Text: strings.TrimSpace(string(stdout))}
		},
		ExtractStreamFrame: func(line []byte) (backend.Frame, bool) {
			return backend.Frame{Kind: backend.FrameToken, Text: string(line)}, true
		},
	}
}

func stubAgent(name, script string) *AgentConfig {
	return &AgentConfig{Name: name, Family: stubFamily(script)}
}

func TestRunSuccess(t *testing.T) {
	script := writeScript(t, `echo "the answer"`)
	resp := Run(stubAgent("a", script), Request{Prompt: "q", Timeout: 5 * time.Second})

	require.NoError(t, resp.Err)
	assert.Equal(t, "the answer", resp.Text)
	assert.False(t, resp.Failed())
	assert.Zero(t, resp.ExitCode)
	assert.Greater(t, resp.Elapsed, time.Duration(0))
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `echo "partial"
sleep 10`)
	start := time.Now()
	resp := Run(stubAgent("slow", script), Request{Prompt: "q", Timeout: 300 * time.Millisecond})

	assert.True(t, resp.TimedOut)
	assert.True(t, resp.Failed())
	assert.True(t, errs.IsTimeout(resp.Err))
	assert.Equal(t, "partial", resp.Text)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelled(t *testing.T) {
	script := writeScript(t, `sleep 10`)
	cancel := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()

	resp := Run(stubAgent("c", script), Request{Prompt: "q", Timeout: 30 * time.Second, Cancel: cancel})
	assert.True(t, resp.Interrupted)
	assert.True(t, errs.IsInterrupted(resp.Err))
}

func TestRunNonZeroExitIsRetriable(t *testing.T) {
	script := writeScript(t, `echo "transient fault" >&2
exit 3`)
	resp := Run(stubAgent("f", script), Request{Prompt: "q", Timeout: 5 * time.Second})

	require.Error(t, resp.Err)
	assert.True(t, errs.IsRetriable(resp.Err))
	assert.Equal(t, 3, resp.ExitCode)
	assert.Contains(t, resp.StderrTail, "transient fault")
}

func TestRunCommandMissing(t *testing.T) {
	agent := stubAgent("m", filepath.Join(t.TempDir(), "definitely-not-here"))
	resp := Run(agent, Request{Prompt: "q", Timeout: time.Second})

	require.Error(t, resp.Err)
	assert.False(t, errs.IsRetriable(resp.Err))
}

func TestRunStreamTee(t *testing.T) {
	script := writeScript(t, `echo '{"n":1}'
echo '{"n":2}'
echo '{"n":3}'`)
	streamPath := filepath.Join(t.TempDir(), ".stream-a.jsonl")

	resp := Run(stubAgent("a", script), Request{
		Prompt: "q", Timeout: 5 * time.Second, StreamPath: streamPath,
	})
	require.NoError(t, resp.Err)

	data, err := os.ReadFile(streamPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	// The parser consumed exactly the bytes that were streamed.
	assert.Equal(t, string(data), string(resp.Stdout))
}

func TestRunWithRetryRetriesEmptySuccessOnce(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "count")
	// First invocation prints nothing; the second succeeds.
	script := writeScript(t, `if [ -f "`+marker+`" ]; then echo "second try"; else touch "`+marker+`"; fi`)

	resp := RunWithRetry(stubAgent("r", script), Request{Prompt: "q", Timeout: 5 * time.Second})
	require.NoError(t, resp.Err)
	assert.Equal(t, "second try", resp.Text)
}

func TestBuildArgvOrdering(t *testing.T) {
	fam, err := backend.Get("claude")
	require.NoError(t, err)
	agent := &AgentConfig{
		Name:      "a",
		Family:    fam,
		Model:     "opus",
		ExtraArgs: []string{"--add-dir", "/tmp"},
	}

	argv := buildArgv(agent, "the prompt", "sess-1", true)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--resume sess-1")
	assert.Contains(t, joined, "--model opus")
	assert.Contains(t, joined, "--add-dir /tmp")
	assert.Equal(t, "the prompt", argv[len(argv)-1])

	// Resume stays out when no token is carried.
	argv = buildArgv(agent, "p", "", false)
	assert.NotContains(t, strings.Join(argv, " "), "--resume")
}

func TestResolveAgent(t *testing.T) {
	cfgAgent, err := Resolve("alpha", config.AgentDef{Backend: "codex", Model: "gpt-5"})
	require.NoError(t, err)
	assert.Equal(t, "codex", cfgAgent.Family.Name)
	assert.Equal(t, "gpt-5", cfgAgent.Model)

	_, err = Resolve("beta", config.AgentDef{Backend: "nope"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		exit     int
		stderr   string
		stdout   string
		timedOut bool
		want     Classification
	}{
		{"clean success", 0, "", "text", false, ClassSucceeded},
		{"empty success", 0, "", "  \n", false, ClassRetriable},
		{"transient exit", 1, "some failure", "x", false, ClassRetriable},
		{"timeout", 0, "", "partial", true, ClassTimedOut},
		{"not found exit", 127, "", "", false, ClassNonRetriable},
		{"not found stderr", 1, "sh: claude: command not found", "", false, ClassNonRetriable},
		{"old version", 2, "Error: unknown flag: --include-partial-messages", "", false, ClassNonRetriable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.exit, tc.stderr, tc.stdout, tc.timedOut))
		})
	}
}

func TestShouldRetryIncludesTimeouts(t *testing.T) {
	timedOut := &Response{TimedOut: true, Err: errs.Timeout("a", 2)}
	assert.False(t, ShouldAutoRetry(timedOut))
	assert.True(t, ShouldRetry(timedOut))

	ok := &Response{Text: "fine"}
	assert.False(t, ShouldAutoRetry(ok))
	assert.False(t, ShouldRetry(ok))

	notFound := &Response{ExitCode: 127, Err: errs.RunFailed("a", false, nil)}
	assert.False(t, ShouldRetry(notFound))
}
