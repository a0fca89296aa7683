package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Request is the typed form of a worker's command line.
type Request struct {
	Location  string
	Selection Selection
	Targets   []string
	Inputs    []string
}

// Args renders r as the worker subcommand's arguments.
func (r Request) Args() []string {
	args := []string{"worker", "--db", r.Location, "--mode", r.Selection.Kind.String()}
	if r.Selection.Chunk > 0 {
		args = append(args, "--chunk", strconv.Itoa(r.Selection.Chunk))
	}
	if len(r.Targets) > 0 {
		args = append(args, "--files", strings.Join(r.Targets, ","))
	}
	args = append(args, "--")
	return append(args, r.Inputs...)
}

// Process is a running worker.
type Process interface {
	// Wait blocks until the worker exits and returns its exit code. The code is advisory.
	Wait() (int, error)
	// Terminate asks the worker to stop.
	Terminate() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Process, error)
}

// LauncherFunc adapts a function to [Launcher].
type LauncherFunc func(ctx context.Context, req Request) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, req Request) (Process, error) {
	return f(ctx, req)
}

// ExecLauncher runs the worker as a separate OS process: Executable with [Request.Args].
// The worker's stderr is forwarded to Log line by line.
type ExecLauncher struct {
	Executable string
	Log        zerolog.Logger
}

// NewExecLauncher launches workers from executable, or from the running binary if it is empty.
func NewExecLauncher(executable string, log zerolog.Logger) (*ExecLauncher, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("error locating worker executable: %w", err)
		}
		executable = self
	}
	return &ExecLauncher{Executable: executable, Log: log}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	copied *sync.WaitGroup
}

// Launch starts the worker. ctx only bounds the start: the worker is not killed when ctx ends,
// since a worker stopped halfway leaves its files in whatever state it reached.
func (l *ExecLauncher) Launch(ctx context.Context, req Request) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.Executable, req.Args()...)
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	p := &execProcess{cmd: cmd, copied: &sync.WaitGroup{}}
	p.copied.Add(1)
	go func() {
		defer p.copied.Done()
		forward(stderr, l.Log.With().Int("pid", cmd.Process.Pid).Logger())
	}()
	l.Log.Info().Int("pid", cmd.Process.Pid).Strs("args", cmd.Args[1:]).Msg("worker started")
	return p, nil
}

func forward(r io.Reader, log zerolog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		log.Debug().Str("caller", "worker").Msg(line)
	}
}

func (p *execProcess) Wait() (int, error) {
	// stderr has to be drained before Wait closes the pipe.
	p.copied.Wait()
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// InProcessLauncher runs the worker body on a goroutine instead of a separate process. It suits
// tests and engines without file-level locking; Terminate cancels the context Run receives.
type InProcessLauncher struct {
	Run func(ctx context.Context, req Request) error
}

type goroutineProcess struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (l InProcessLauncher) Launch(_ context.Context, req Request) (Process, error) {
	if l.Run == nil {
		return nil, errors.New("in-process launcher has no worker body")
	}
	// detached from the caller's context for the same reason as ExecLauncher
	ctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(p.done)
		p.err = l.Run(ctx, req)
	}()
	return p, nil
}

func (p *goroutineProcess) Wait() (int, error) {
	<-p.done
	p.cancel()
	if p.err != nil {
		return 1, nil
	}
	return 0, nil
}

func (p *goroutineProcess) Terminate() error {
	p.cancel()
	return nil
}
