package wsrt

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
)

// Process is a spawned runtime program.
type Process interface {
	// Wait blocks until the program exits.
	Wait() error
	// Interrupt asks the program to exit.
	Interrupt() error
}

// Spawner starts the program that will dial back to url.
type Spawner interface {
	Spawn(ctx context.Context, url string, handle int64) (Process, error)
}

// ExecSpawner runs Command as a child process.
type ExecSpawner struct {
	Command []string
	Env     []string
}

func (s ExecSpawner) Spawn(ctx context.Context, url string, handle int64) (Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("runtime command not configured")
	}
	// The child outlives the launch context, so it is not bound to ctx.
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Env = append(append(os.Environ(), s.Env...),
		EnvRuntimeURL+"="+url,
		EnvCallbackHandle+"="+strconv.FormatInt(handle, 10),
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Wait() error { return p.cmd.Wait() }

func (p execProcess) Interrupt() error {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
