package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Process is a running worker process.
type Process interface {
	Wait() error
	Kill() error
}

// Spawner launches one worker process that will dial the coordinator at
// addr and serve as workerID.
type Spawner interface {
	Spawn(ctx context.Context, addr, workerID string) (Process, error)
}

// ExecSpawner starts worker processes as child processes, by default the
// current binary with its hidden "worker" command.
type ExecSpawner struct {
	Path   string                               // default os.Executable()
	Args   func(addr, workerID string) []string // default: worker --coordinator addr --id workerID
	Env    func(addr, workerID string) []string // appended to os.Environ()
	Stderr io.Writer                            // default os.Stderr
}

func (s *ExecSpawner) Spawn(ctx context.Context, addr, workerID string) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	args := []string{"worker", "--coordinator", addr, "--id", workerID}
	if s.Args != nil {
		args = s.Args(addr, workerID)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = os.Environ()
	if s.Env != nil {
		cmd.Env = append(cmd.Env, s.Env(addr, workerID)...)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// GoroutineSpawner runs each "process" as a goroutine that still talks to
// the coordinator over gRPC. Used where forking the binary is not possible.
type GoroutineSpawner struct {
	Factory Factory
	Level   slog.Leveler
}

func (s *GoroutineSpawner) Spawn(ctx context.Context, addr, workerID string) (Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = RunWorkerProcess(ctx, addr, workerID, s.Factory, s.Level)
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func (p *goroutineProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *goroutineProcess) Kill() error {
	p.once.Do(p.cancel)
	return nil
}
