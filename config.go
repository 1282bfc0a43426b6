package emuctl

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// vncBasePort is the TCP port of VNC display :0. QEMU's -vnc option takes
// a display number, not a port.
const vncBasePort = 5900

// Config holds the launch configuration for an emulated machine.
// It is immutable once a Supervisor has started the process.
type Config struct {
	// Name is an identifier for this machine, passed to QEMU as the
	// guest name. Optional.
	Name string

	// QemuPath is the path to the QEMU system binary.
	// If empty, it will be located automatically.
	QemuPath string

	// QemuImgPath is the path to the qemu-img binary used for disk
	// image creation. If empty, it will be located automatically.
	QemuImgPath string

	// BootISO is the path to the boot media (ISO image). Optional.
	BootISO string

	// DiskPath is the path to the persistent disk image. If the file
	// does not exist it is created with DiskSize at start. Optional.
	DiskPath string

	// DiskSize is the size of the disk image to create (qemu-img
	// syntax, e.g. "20G"). Defaults to "20G".
	DiskSize string

	// Memory is the amount of memory in megabytes.
	// Defaults to 4096.
	Memory int

	// CPUs is the number of virtual CPUs.
	// Defaults to 2.
	CPUs int

	// DisplayWidth and DisplayHeight set the virtual display
	// resolution. Default to 1920x1080.
	DisplayWidth  int
	DisplayHeight int

	// QMPPort is the TCP port for the QMP control socket.
	// Defaults to 4444.
	QMPPort int

	// VNCPort is the TCP port for the VNC display socket. Must be
	// >= 5900 (QEMU addresses displays as port-5900). Defaults to 5900.
	VNCPort int

	// KVM enables KVM acceleration when /dev/kvm is present.
	// Defaults to true.
	KVM *bool

	// ExtraArgs are additional command-line arguments.
	ExtraArgs []string

	// StartupGrace is how long Start waits after spawning before
	// declaring the process alive. A process that exits within this
	// window fails the start. Defaults to 2 seconds.
	StartupGrace time.Duration

	// StopTimeout bounds the graceful-shutdown wait before Stop
	// escalates to a forced kill. Defaults to 10 seconds.
	StopTimeout time.Duration

	// Logger receives structured logs from the Supervisor.
	// Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults for a local
// desktop machine.
func DefaultConfig() *Config {
	kvm := true

	return &Config{
		DiskSize:      "20G",
		Memory:        4096,
		CPUs:          2,
		DisplayWidth:  1920,
		DisplayHeight: 1080,
		QMPPort:       4444,
		VNCPort:       vncBasePort,
		KVM:           &kvm,
		StartupGrace:  2 * time.Second,
		StopTimeout:   10 * time.Second,
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Memory <= 0 {
		return fmt.Errorf("memory must be positive")
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("CPUs must be positive")
	}
	if c.DisplayWidth <= 0 || c.DisplayHeight <= 0 {
		return fmt.Errorf("display resolution must be positive")
	}
	if c.QMPPort <= 0 || c.QMPPort > 65535 {
		return fmt.Errorf("invalid QMP port %d", c.QMPPort)
	}
	if c.VNCPort < vncBasePort || c.VNCPort > 65535 {
		return fmt.Errorf("invalid VNC port %d (must be >= %d)", c.VNCPort, vncBasePort)
	}
	if c.QMPPort == c.VNCPort {
		return fmt.Errorf("QMP and VNC ports must differ")
	}
	if c.DiskPath != "" && c.DiskSize == "" {
		return fmt.Errorf("disk size required when disk path is set")
	}
	return nil
}

// QMPAddr returns the host:port address of the control socket.
func (c *Config) QMPAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.QMPPort)
}

// VNCAddr returns the host:port address of the display socket.
func (c *Config) VNCAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.VNCPort)
}
