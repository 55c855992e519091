package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// soxArgs describes raw signed PCM for the SoX command line tools.
func soxArgs(format Format) []string {
	return []string{
		"-t", "raw",
		"-r", strconv.Itoa(format.SampleRate),
		"-b", strconv.Itoa(format.BitDepth),
		"-c", strconv.Itoa(format.Channels),
		"-e", "signed-integer",
	}
}

// SoxInput records from the default microphone through SoX `rec`.
type SoxInput struct {
	Program string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (d *SoxInput) Open(format Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return errors.New("sox input already open")
	}

	program := d.Program
	if program == "" {
		program = "rec"
	}
	args := append([]string{"-q"}, soxArgs(format)...)
	args = append(args, "-")
	cmd := exec.Command(program, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s (is sox installed?): %w", program, err)
	}
	d.cmd = cmd
	d.stdout = stdout
	return nil
}

func (d *SoxInput) Read(p []byte) (int, error) {
	d.mu.Lock()
	stdout := d.stdout
	d.mu.Unlock()
	if stdout == nil {
		return 0, io.ErrClosedPipe
	}
	return stdout.Read(p)
}

func (d *SoxInput) Close() error {
	d.mu.Lock()
	cmd := d.cmd
	d.cmd = nil
	d.stdout = nil
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	return nil
}

// SoxOutput plays to the default speaker through SoX `play`.
type SoxOutput struct {
	Program string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (d *SoxOutput) Open(format Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return errors.New("sox output already open")
	}

	program := d.Program
	if program == "" {
		program = "play"
	}
	args := append([]string{"-q"}, soxArgs(format)...)
	args = append(args, "-")
	cmd := exec.Command(program, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s (is sox installed?): %w", program, err)
	}
	d.cmd = cmd
	d.stdin = stdin
	return nil
}

func (d *SoxOutput) Write(p []byte) (int, error) {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return stdin.Write(p)
}

func (d *SoxOutput) Close() error {
	d.mu.Lock()
	cmd, stdin := d.cmd, d.stdin
	d.cmd, d.stdin = nil, nil
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	return cmd.Wait()
}

// FileInput replays a raw PCM file as if it were a microphone. With
// Realtime set, reads are paced to the format's byte rate.
type FileInput struct {
	Path     string
	Realtime bool

	mu     sync.Mutex
	file   *os.File
	format Format
	closed chan struct{}
}

func (d *FileInput) Open(format Format) error {
	f, err := os.Open(d.Path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	d.mu.Lock()
	d.file = f
	d.format = format
	d.closed = make(chan struct{})
	d.mu.Unlock()
	return nil
}

func (d *FileInput) Read(p []byte) (int, error) {
	d.mu.Lock()
	f, format, closed := d.file, d.format, d.closed
	d.mu.Unlock()
	if f == nil {
		return 0, io.ErrClosedPipe
	}
	n, err := f.Read(p)
	if d.Realtime && n > 0 {
		select {
		case <-time.After(format.Duration(n)):
		case <-closed:
			return 0, io.ErrClosedPipe
		}
	}
	return n, err
}

func (d *FileInput) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	close(d.closed)
	err := d.file.Close()
	d.file = nil
	return err
}
