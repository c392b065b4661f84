// Command kingdom is the thin driver over the council runtime: it parses
// flags, renders output, and maps errors to exit codes. All semantics live
// in the internal packages.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jbohnslav/kingdom/internal/backend"
	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/config"
	"github.com/jbohnslav/kingdom/internal/kingdom"
	"github.com/jbohnslav/kingdom/internal/member"
	"github.com/jbohnslav/kingdom/internal/peasant"
	"github.com/jbohnslav/kingdom/internal/thread"
	"github.com/jbohnslav/kingdom/internal/watch"
	"github.com/jbohnslav/kingdom/internal/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return errs.ExitUserError
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "ask":
		err = cmdAsk(rest)
	case "watch":
		err = cmdWatch(rest)
	case "status":
		err = cmdStatus(rest)
	case "retry":
		err = cmdRetry(rest)
	case "show":
		err = cmdShow(rest)
	case "list":
		err = cmdList(rest)
	case "reset-session":
		err = cmdResetSession(rest)
	case "archive":
		err = cmdArchive(rest)
	case "peasant":
		err = cmdPeasant(rest)
	case worker.Subcommand:
		err = cmdWorker(rest)
	case "help", "-h", "--help":
		usage()
		return errs.ExitOK
	default:
		fmt.Fprintf(os.Stderr, "kingdom: unknown command %q\n", cmd)
		usage()
		return errs.ExitUserError
	}

	if err != nil {
		// Every error, config errors included, renders as one clean line.
		fmt.Fprintf(os.Stderr, "kingdom: %v\n", err)
		return errs.ExitCode(err)
	}
	return errs.ExitOK
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: kingdom <command> [flags] [args]

commands:
  ask            ask the council a question
  watch          tail a thread until its members reply
  status         show per-member state of a thread (or --all)
  retry          re-run the failed members of a thread's latest turn
  show           print a thread's messages
  list           list threads on the branch
  reset-session  clear an agent's resume token
  archive        move a thread out of the active listing
  peasant        run the configured worker agent over a ticket
`)
}

// commonFlags registers the state/branch pair every command accepts.
func commonFlags(fs *flag.FlagSet) (stateDir, branch *string) {
	stateDir = fs.String("state", "", "state directory (default from ambient config)")
	branch = fs.String("branch", kingdom.DefaultBranch, "branch namespace")
	return
}

// cancelOnInterrupt maps SIGINT/SIGTERM onto a cancellation channel.
func cancelOnInterrupt() <-chan struct{} {
	cancel := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		close(cancel)
		signal.Stop(sigs)
	}()
	return cancel
}

func cmdAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	members := fs.String("members", "", "comma-separated member subset (default: configured council)")
	threadID := fs.String("thread", "", "append to an existing thread")
	timeout := fs.Int("timeout", 0, "per-member timeout in seconds")
	background := fs.Bool("background", false, "detach the run and return immediately")
	phase := fs.String("phase", string(config.PhaseCouncil), "phase prompt to apply")
	if err := fs.Parse(args); err != nil {
		return errs.Validation("ask", err.Error())
	}
	prompt := strings.Join(fs.Args(), " ")

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	if !config.ValidPhase(*phase) {
		return errs.Config("phase", "must be one of council, design, review, peasant")
	}

	res, err := k.Ask(kingdom.AskParams{
		Prompt:     prompt,
		Members:    splitList(*members),
		ThreadID:   *threadID,
		Phase:      config.Phase(*phase),
		Timeout:    time.Duration(*timeout) * time.Second,
		Background: *background,
		Cancel:     cancelOnInterrupt(),
		OnResponse: printResponse,
	})
	if err != nil {
		return err
	}

	if res.WorkerPID != 0 {
		fmt.Printf("thread %s running in background (pid %d)\n", res.ThreadID, res.WorkerPID)
		return nil
	}
	fmt.Printf("thread %s\n", res.ThreadID)
	return askError(res.Responses)
}

// askError maps an inline council turn to the process exit contract: any
// failed member makes the whole ask an agent failure. The failures already
// printed per response; this only sets the exit code.
func askError(responses []*member.Response) error {
	failed := 0
	for _, resp := range responses {
		if resp.Failed() {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return errs.RunFailed("council", false,
		fmt.Errorf("%d of %d members failed", failed, len(responses)))
}

func printResponse(resp *member.Response) {
	if resp.Failed() {
		fmt.Printf("--- %s (failed after %s) ---\n%v\n", resp.Name,
			resp.Elapsed.Round(time.Millisecond), resp.Err)
		return
	}
	fmt.Printf("--- %s (%s) ---\n%s\n", resp.Name,
		resp.Elapsed.Round(time.Millisecond), resp.Text)
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	timeout := fs.Int("timeout", 0, "give up after this many seconds")
	if err := fs.Parse(args); err != nil {
		return errs.Validation("watch", err.Error())
	}
	if fs.NArg() != 1 {
		return errs.Validation("watch", "expected exactly one thread id")
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	return k.Watch(fs.Arg(0), time.Duration(*timeout)*time.Second, printEvent, cancelOnInterrupt())
}

func printEvent(ev watch.Event) {
	switch e := ev.(type) {
	case watch.MessageAppended:
		m := e.Message
		fmt.Printf("\n=== %04d %s -> %s ===\n%s\n", m.Seq, m.From, m.To, m.Body)
	case watch.StreamFrame:
		switch e.Frame.Kind {
		case backend.FrameToken:
			fmt.Print(e.Frame.Text)
		case backend.FrameError:
			fmt.Printf("[%s error: %s]\n", e.Member, e.Frame.Message)
		}
	}
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	all := fs.Bool("all", false, "every thread on the branch")
	if err := fs.Parse(args); err != nil {
		return errs.Validation("status", err.Error())
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}

	fmt.Printf("# %s on branch %s\n", kingdom.Role(), k.Branch)
	if *all {
		statuses, err := k.StatusAll()
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(statuses))
		for id := range statuses {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s:\n", id)
			printStatus(statuses[id], "  ")
		}
		return nil
	}

	if fs.NArg() != 1 {
		return errs.Validation("status", "expected a thread id or --all")
	}
	status, err := k.Status(fs.Arg(0))
	if err != nil {
		return err
	}
	printStatus(status, "")
	return nil
}

func printStatus(status map[string]thread.State, indent string) {
	members := make([]string, 0, len(status))
	for m := range status {
		members = append(members, m)
	}
	sort.Strings(members)
	for _, m := range members {
		fmt.Printf("%s%-16s %s\n", indent, m, status[m])
	}
}

func cmdRetry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	timeout := fs.Int("timeout", 0, "per-member timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return errs.Validation("retry", err.Error())
	}
	if fs.NArg() != 1 {
		return errs.Validation("retry", "expected exactly one thread id")
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	resps, err := k.Retry(fs.Arg(0), time.Duration(*timeout)*time.Second, printResponse)
	if err != nil {
		return err
	}
	if len(resps) == 0 {
		fmt.Println("nothing to retry")
	}
	return nil
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	from := fs.Int("from", 0, "first sequence number to print")
	to := fs.Int("to", 0, "last sequence number to print")
	if err := fs.Parse(args); err != nil {
		return errs.Validation("show", err.Error())
	}
	if fs.NArg() != 1 {
		return errs.Validation("show", "expected exactly one thread id")
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	msgs, err := k.Show(fs.Arg(0), *from, *to)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("=== %04d %s -> %s (%s) ===\n%s\n", m.Seq, m.From, m.To,
			m.Timestamp.Format(time.RFC3339), m.Body)
	}
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errs.Validation("list", err.Error())
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	sums, err := k.List()
	if err != nil {
		return err
	}
	for _, s := range sums {
		last := "-"
		if !s.LastActivity.IsZero() {
			last = s.LastActivity.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-8s %3d msgs  %s  members=%s\n",
			s.ID, s.Meta.Phase, s.MessageCount, last, strings.Join(s.Meta.Members, ","))
	}
	return nil
}

func cmdResetSession(args []string) error {
	fs := flag.NewFlagSet("reset-session", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errs.Validation("reset-session", err.Error())
	}
	if fs.NArg() != 1 {
		return errs.Validation("reset-session", "expected exactly one agent name")
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	return k.ResetSession(fs.Arg(0))
}

func cmdArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errs.Validation("archive", err.Error())
	}
	if fs.NArg() != 1 {
		return errs.Validation("archive", "expected exactly one thread id")
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	return k.Archive(fs.Arg(0))
}

func cmdPeasant(args []string) error {
	fs := flag.NewFlagSet("peasant", flag.ContinueOnError)
	stateDir, branch := commonFlags(fs)
	ticketPath := fs.String("ticket", "", "path to the ticket file")
	workDir := fs.String("workdir", "", "worktree the agent runs in")
	if err := fs.Parse(args); err != nil {
		return errs.Validation("peasant", err.Error())
	}
	if *ticketPath == "" {
		return errs.Validation("peasant", "--ticket is required")
	}
	ticket, err := os.ReadFile(*ticketPath)
	if err != nil {
		return errs.Validation("peasant", "cannot read ticket: "+err.Error())
	}

	k, err := kingdom.Open(*stateDir, *branch)
	if err != nil {
		return err
	}
	h, err := peasant.New(k.Config, k.Sessions)
	if err != nil {
		return err
	}
	h.WorkDir = *workDir
	h.Cancel = cancelOnInterrupt()

	th, err := k.Threads.CreateThread([]string{k.Config.Peasant.Agent}, string(config.PhasePeasant))
	if err != nil {
		return err
	}

	res, err := h.Execute(th, string(ticket))
	if err != nil {
		return err
	}
	fmt.Printf("peasant %s after %d iteration(s) (worklog thread %s)\n", res.Outcome, res.Iterations, th.ID)
	if res.Reason != "" {
		fmt.Printf("reason: %s\n", res.Reason)
	}
	switch res.Outcome {
	case peasant.OutcomeDone:
		return nil
	case peasant.OutcomeTimedOut:
		return errs.Timeout(k.Config.Peasant.Agent, k.Config.Peasant.Timeout)
	default:
		return errs.RunFailed(k.Config.Peasant.Agent, false, fmt.Errorf("peasant %s", res.Outcome))
	}
}

func cmdWorker(args []string) error {
	opts, err := worker.ParseArgs(args)
	if err != nil {
		return err
	}
	return kingdom.RunDetachedWorker(opts)
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
