package emuctl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/KarpelesLab/runutil"
	"go.uber.org/zap"
)

// stderrTailSize bounds the amount of captured QEMU stderr kept for
// diagnostics.
const stderrTailSize = 8192

// Supervisor launches and supervises a single QEMU process.
type Supervisor struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	pid      int
	attached bool
	waitDone chan struct{}
	stderr   *tailBuffer
}

// NewSupervisor creates a Supervisor for the given configuration.
// The configuration must not be mutated afterwards.
func NewSupervisor(cfg *Config) (*Supervisor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Supervisor{cfg: cfg, log: log}, nil
}

// Start launches the QEMU process. It locates the binary, creates the
// backing disk image if it does not exist, spawns the process and waits
// the configured startup grace; a process that exits within that window
// fails the start with the captured stderr. Calling Start while the
// process is already running is a no-op that reports success.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunningLocked() {
		s.log.Warn("emulator already running", zap.Int("pid", s.pid))
		return nil
	}
	if s.attached {
		return fmt.Errorf("cannot start an attached instance")
	}

	qemuPath, err := LocateQemu("", s.cfg.QemuPath)
	if err != nil {
		return err
	}

	if s.cfg.DiskPath != "" && !diskExists(s.cfg.DiskPath) {
		if err := CreateDiskImage(ctx, s.cfg.QemuImgPath, s.cfg.DiskPath, s.cfg.DiskSize); err != nil {
			return fmt.Errorf("failed to create disk image: %w", err)
		}
		s.log.Info("created disk image",
			zap.String("path", s.cfg.DiskPath),
			zap.String("size", s.cfg.DiskSize))
	}

	args := buildArgs(s.cfg)
	s.log.Info("starting emulator",
		zap.String("binary", qemuPath),
		zap.Strings("args", args))

	tail := &tailBuffer{limit: stderrTailSize}
	cmd := exec.Command(qemuPath, args...)
	cmd.Dir = "/"
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = tail

	// Set process group so a forced kill takes all children
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start QEMU: %w", err)
	}

	waitDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitDone)
	}()

	// Liveness window: an immediate exit means a bad command line or a
	// broken environment, surfaced with whatever QEMU wrote to stderr.
	grace := s.cfg.StartupGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitDone:
		return fmt.Errorf("QEMU exited during startup: %s", tail.String())
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitDone
		return ctx.Err()
	case <-timer.C:
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.waitDone = waitDone
	s.stderr = tail

	s.log.Info("emulator started", zap.Int("pid", s.pid))
	return nil
}

// Stop terminates the QEMU process. Unless force is set it first sends
// SIGTERM and waits up to the configured stop timeout before escalating
// to SIGKILL of the whole process group. When Stop returns the process
// is no longer running. Idempotent if nothing is running.
func (s *Supervisor) Stop(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunningLocked() {
		s.clearLocked()
		return nil
	}

	pid := s.pid
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	s.log.Info("stopping emulator", zap.Int("pid", pid), zap.Bool("force", force))
	syscall.Kill(pid, sig)

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if !s.waitExitLocked(ctx, timeout) {
		s.log.Warn("graceful shutdown timed out, killing", zap.Int("pid", pid))
		syscall.Kill(-pid, syscall.SIGKILL)
		syscall.Kill(pid, syscall.SIGKILL)
		s.waitExitLocked(ctx, timeout)
	}

	s.log.Info("emulator stopped", zap.Int("pid", pid))
	s.clearLocked()
	return nil
}

// waitExitLocked waits for process exit up to timeout. For owned
// processes it waits on the reaper goroutine; for attached processes it
// polls the pid.
func (s *Supervisor) waitExitLocked(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	if s.waitDone != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.waitDone:
			return true
		case <-timer.C:
			return false
		}
	}

	// Attached: no child to reap, poll until dead
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return !s.isProcessAlive()
		case <-ticker.C:
			if !s.isProcessAlive() {
				return true
			}
		}
	}
	return !s.isProcessAlive()
}

// Wait blocks until the QEMU process exits.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	waitDone := s.waitDone
	attached := s.attached
	s.mu.Unlock()

	if waitDone != nil {
		select {
		case <-waitDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !attached {
		return ErrNotRunning
	}

	// For attached instances, poll until dead
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.isProcessAlive() {
				return nil
			}
		}
	}
}

// IsRunning reports whether the QEMU process is currently running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunningLocked()
}

func (s *Supervisor) isRunningLocked() bool {
	if s.waitDone != nil {
		select {
		case <-s.waitDone:
			return false
		default:
			return true
		}
	}
	if s.attached && s.pid > 0 {
		return s.isProcessAlive()
	}
	return false
}

// isProcessAlive checks the pid with a null signal.
func (s *Supervisor) isProcessAlive() bool {
	if s.pid <= 0 {
		return false
	}
	return syscall.Kill(s.pid, 0) == nil
}

func (s *Supervisor) clearLocked() {
	s.cmd = nil
	s.waitDone = nil
	if !s.attached {
		s.pid = 0
	}
}

// PID returns the process ID of the QEMU process, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// QMPAddr returns the host:port address of the control socket.
func (s *Supervisor) QMPAddr() string {
	return s.cfg.QMPAddr()
}

// VNCAddr returns the host:port address of the display socket.
func (s *Supervisor) VNCAddr() string {
	return s.cfg.VNCAddr()
}

// StderrTail returns the tail of the captured standard error of the
// current (or most recent) launch. Empty for attached instances.
func (s *Supervisor) StderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderr == nil {
		return ""
	}
	return s.stderr.String()
}

// AttachByPID binds a Supervisor to an already-running QEMU process,
// recovering its control and display endpoints from the process
// arguments. The returned Supervisor can stop and observe the process
// but cannot relaunch it and has no stderr capture.
func AttachByPID(pid int) (*Supervisor, error) {
	args, err := runutil.ArgsOf(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to get process arguments: %w", err)
	}

	cfg := DefaultConfig()
	qmpPort, vncPort := portsFromArgs(args)
	if qmpPort == 0 {
		return nil, fmt.Errorf("could not find QMP binding in process arguments")
	}
	cfg.QMPPort = qmpPort
	if vncPort != 0 {
		cfg.VNCPort = vncPort
	}

	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-name" {
			name := args[i+1]
			if strings.HasPrefix(name, "guest=") {
				name = strings.SplitN(name[6:], ",", 2)[0]
			}
			cfg.Name = name
			break
		}
	}

	return &Supervisor{
		cfg:      cfg,
		log:      zap.NewNop(),
		pid:      pid,
		attached: true,
	}, nil
}

// portsFromArgs extracts the QMP and VNC ports from QEMU arguments.
func portsFromArgs(args []string) (qmpPort, vncPort int) {
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-qmp":
			// tcp:host:port,server,nowait
			val := args[i+1]
			if !strings.HasPrefix(val, "tcp:") {
				continue
			}
			val = strings.SplitN(val, ",", 2)[0]
			parts := strings.Split(val, ":")
			if len(parts) == 3 {
				if p, err := strconv.Atoi(parts[2]); err == nil {
					qmpPort = p
				}
			}
		case "-vnc":
			// :display or host:display
			val := strings.SplitN(args[i+1], ",", 2)[0]
			idx := strings.LastIndex(val, ":")
			if idx < 0 {
				continue
			}
			if d, err := strconv.Atoi(val[idx+1:]); err == nil {
				vncPort = vncBasePort + d
			}
		}
	}
	return qmpPort, vncPort
}

// buildArgs builds the QEMU command line arguments.
func buildArgs(cfg *Config) []string {
	var args []string

	if cfg.Name != "" {
		args = append(args, "-name", fmt.Sprintf("guest=%s", cfg.Name))
	}

	if (cfg.KVM == nil || *cfg.KVM) && kvmAvailable() {
		args = append(args, "-enable-kvm")
	}

	args = append(args, "-m", strconv.Itoa(cfg.Memory))
	args = append(args, "-smp", strconv.Itoa(cfg.CPUs))

	if cfg.DiskPath != "" {
		args = append(args, "-hda", cfg.DiskPath)
	}

	if cfg.BootISO != "" {
		args = append(args, "-cdrom", cfg.BootISO)
		if cfg.DiskPath == "" {
			args = append(args, "-boot", "d")
		}
	}

	// Display socket: QEMU addresses VNC by display number
	args = append(args, "-vnc", fmt.Sprintf(":%d", cfg.VNCPort-vncBasePort))

	// Control socket
	args = append(args, "-qmp", fmt.Sprintf("tcp:127.0.0.1:%d,server,nowait", cfg.QMPPort))

	// Display, input and network devices
	args = append(args,
		"-device", fmt.Sprintf("virtio-vga,xres=%d,yres=%d", cfg.DisplayWidth, cfg.DisplayHeight),
		"-device", "virtio-keyboard-pci",
		"-device", "virtio-mouse-pci",
		"-device", "virtio-net-pci,netdev=net0",
		"-netdev", "user,id=net0",
		"-usb",
		"-device", "usb-tablet",
	)

	// Audio chain
	args = append(args,
		"-audiodev", "pa,id=audio0",
		"-device", "intel-hda",
		"-device", "hda-duplex,audiodev=audio0",
	)

	args = append(args, cfg.ExtraArgs...)

	return args
}

// kvmAvailable reports whether the KVM device node exists.
func kvmAvailable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// tailBuffer is an io.Writer that retains only the last limit bytes
// written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
