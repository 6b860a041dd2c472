package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport/stdio"
)

const KindProcess = "process"

// killWait bounds the wait for a killed child to be reaped.
const killWait = 2 * time.Second

// Process runs the unit as a child process speaking frames on stdin/stdout.
// Its stderr is forwarded line by line to Logger. Close kills the process, so
// even a stuck operation is gone after a restart.
type Process struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	MaxFrame int
	// Grace is how long Close waits for the child to exit on stdin EOF before
	// killing it. Zero kills immediately.
	Grace  time.Duration
	Logger *zap.Logger
}

func (s *Process) Kind() string { return KindProcess }

func (s *Process) Spawn(context.Context) (*Handle, error) {
	if s.Command == "" {
		return nil, errors.New("bootstrap: process unit needs a command")
	}
	log := s.Logger
	if log == nil {
		log = zap.L()
	}
	maxFrame := s.MaxFrame
	if maxFrame <= 0 {
		maxFrame = transport.DefaultMaxFrame
	}

	// not CommandContext: the unit must outlive the build context
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Command, err)
	}
	log = log.With(zap.String("cmd", s.Command), zap.Int("pid", cmd.Process.Pid))

	st := stdio.New(stdout, stdin, maxFrame)
	var h *Handle
	h = NewHandle(KindProcess, st, func() error {
		_ = st.Close()
		if s.Grace > 0 {
			select {
			case <-h.Done():
				return nil
			case <-time.After(s.Grace):
			}
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		t := time.NewTimer(killWait)
		defer t.Stop()
		select {
		case <-h.Done():
		case <-t.C:
		}
		return nil
	})

	var g errgroup.Group
	g.Go(func() error { return pump(stderr, log) })
	go func() {
		perr := g.Wait()
		werr := cmd.Wait()
		if werr == nil {
			werr = perr
		}
		log.Debug("unit process exited", zap.Error(werr))
		h.Exit(werr)
	}()
	return h, nil
}

// pump forwards the child's stderr to the logger, one entry per line.
func pump(r io.Reader, log *zap.Logger) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		log.Info("unit: " + sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
