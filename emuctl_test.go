package emuctl

import (
	"errors"
	"strings"
	"testing"
)

func TestLocateQemu(t *testing.T) {
	// Test with default arch
	path, err := LocateQemu("", "")
	if err != nil {
		t.Skipf("QEMU not found (this is OK if QEMU is not installed): %v", err)
	}
	if path == "" {
		t.Error("expected non-empty path")
	}
	t.Logf("Found QEMU at: %s", path)
}

func TestLocateQemuCustomPath(t *testing.T) {
	_, err := LocateQemu("amd64", "/nonexistent/qemu")
	if !errors.Is(err, ErrQemuNotFound) {
		t.Errorf("expected ErrQemuNotFound for invalid custom path, got: %v", err)
	}
}

func TestLocateQemuInvalidArch(t *testing.T) {
	_, err := LocateQemu("invalid-arch", "")
	if err == nil {
		t.Fatal("expected error for invalid architecture")
	}

	var unsupportedErr *UnsupportedArchError
	if !errors.As(err, &unsupportedErr) {
		t.Errorf("expected UnsupportedArchError, got %T", err)
	}
}

func TestLocateQemuImgCustomPath(t *testing.T) {
	_, err := LocateQemuImg("/nonexistent/qemu-img")
	if !errors.Is(err, ErrQemuImgNotFound) {
		t.Errorf("expected ErrQemuImgNotFound, got: %v", err)
	}
}

func TestQemuArchName(t *testing.T) {
	tests := []struct {
		goarch   string
		expected string
		ok       bool
	}{
		{"amd64", "x86_64", true},
		{"arm64", "aarch64", true},
		{"386", "i386", true},
		{"invalid", "", false},
	}

	for _, tt := range tests {
		name, ok := QemuArchName(tt.goarch)
		if ok != tt.ok {
			t.Errorf("QemuArchName(%q): expected ok=%v, got %v", tt.goarch, tt.ok, ok)
		}
		if name != tt.expected {
			t.Errorf("QemuArchName(%q): expected %q, got %q", tt.goarch, tt.expected, name)
		}
	}
}

func TestSupportedArches(t *testing.T) {
	arches := SupportedArches()
	if len(arches) == 0 {
		t.Error("expected at least one supported architecture")
	}

	found := make(map[string]bool)
	for _, arch := range arches {
		found[arch] = true
	}

	for _, arch := range []string{"amd64", "arm64", "386"} {
		if !found[arch] {
			t.Errorf("expected %q in supported architectures", arch)
		}
	}
}

func TestConnStateString(t *testing.T) {
	tests := []struct {
		state    ConnState
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateHandshaking, "handshaking"},
		{StateActive, "active"},
		{ConnState(999), "ConnState(999)"},
	}

	for _, tt := range tests {
		s := tt.state.String()
		if s != tt.expected {
			t.Errorf("ConnState(%d).String(): expected %q, got %q", tt.state, tt.expected, s)
		}
	}
}

func TestConnStateIsConnected(t *testing.T) {
	if StateDisconnected.IsConnected() || StateConnecting.IsConnected() || StateHandshaking.IsConnected() {
		t.Error("only StateActive should report connected")
	}
	if !StateActive.IsConnected() {
		t.Error("StateActive should report connected")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero memory", func(c *Config) { c.Memory = 0 }, false},
		{"zero cpus", func(c *Config) { c.CPUs = 0 }, false},
		{"zero width", func(c *Config) { c.DisplayWidth = 0 }, false},
		{"bad qmp port", func(c *Config) { c.QMPPort = -1 }, false},
		{"vnc port below base", func(c *Config) { c.VNCPort = 80 }, false},
		{"port clash", func(c *Config) { c.QMPPort = 5900 }, false},
		{"disk without size", func(c *Config) { c.DiskPath = "/tmp/d.qcow2"; c.DiskSize = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid config, got: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QMPPort = 4445
	cfg.VNCPort = 5901

	if addr := cfg.QMPAddr(); addr != "127.0.0.1:4445" {
		t.Errorf("unexpected QMP address: %q", addr)
	}
	if addr := cfg.VNCAddr(); addr != "127.0.0.1:5901" {
		t.Errorf("unexpected VNC address: %q", addr)
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"enter", "ret"},
		{"return", "ret"},
		{"Enter", "ret"},
		{"escape", "esc"},
		{"esc", "esc"},
		{"space", "spc"},
		{"pageup", "pgup"},
		{"pagedown", "pgdn"},
		{"super", "meta_l"},
		{"win", "meta_l"},
		{"meta", "meta_l"},
		{"capslock", "caps_lock"},
		{"f5", "f5"},
		{"a", "a"},
		{"A", "a"},
		{"7", "7"},
		// unmapped multi-character names pass through lower-cased
		{"KP_Enter", "kp_enter"},
		{"bracketleft", "bracketleft"},
	}

	for _, tt := range tests {
		got := normalizeKey(tt.in)
		if got != tt.expected {
			t.Errorf("normalizeKey(%q): expected %q, got %q", tt.in, tt.expected, got)
		}
	}
}

func TestNormalizeKeyAliasesAgree(t *testing.T) {
	if normalizeKey("enter") != normalizeKey("return") {
		t.Error(`"enter" and "return" must map to the same code`)
	}
	if normalizeKey("esc") != normalizeKey("escape") {
		t.Error(`"esc" and "escape" must map to the same code`)
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "desk"
	cfg.Memory = 2048
	cfg.CPUs = 4
	cfg.BootISO = "/isos/install.iso"
	cfg.DiskPath = "/disks/main.qcow2"
	cfg.QMPPort = 4444
	cfg.VNCPort = 5901
	cfg.ExtraArgs = []string{"-snapshot"}

	args := buildArgs(cfg)
	joined := " " + strings.Join(args, " ") + " "

	for _, want := range []string{
		" -name guest=desk ",
		" -m 2048 ",
		" -smp 4 ",
		" -hda /disks/main.qcow2 ",
		" -cdrom /isos/install.iso ",
		" -vnc :1 ",
		" -qmp tcp:127.0.0.1:4444,server,nowait ",
		" -device virtio-vga,xres=1920,yres=1080 ",
		" -device usb-tablet ",
		" -snapshot ",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", strings.TrimSpace(want), joined)
		}
	}

	// With a disk present we boot from it, not the CD
	if strings.Contains(joined, " -boot d ") {
		t.Error("should not force CD boot when a disk is configured")
	}
}

func TestBuildArgsCDBoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootISO = "/isos/install.iso"

	args := buildArgs(cfg)
	joined := " " + strings.Join(args, " ") + " "

	if !strings.Contains(joined, " -boot d ") {
		t.Error("expected CD boot when no disk is configured")
	}
	if strings.Contains(joined, " -hda ") {
		t.Error("unexpected disk argument")
	}
}

func TestPortsFromArgs(t *testing.T) {
	args := []string{
		"qemu-system-x86_64",
		"-m", "4096",
		"-qmp", "tcp:127.0.0.1:4444,server,nowait",
		"-vnc", ":2",
	}

	qmpPort, vncPort := portsFromArgs(args)
	if qmpPort != 4444 {
		t.Errorf("expected QMP port 4444, got %d", qmpPort)
	}
	if vncPort != 5902 {
		t.Errorf("expected VNC port 5902, got %d", vncPort)
	}
}

func TestPortsFromArgsMissing(t *testing.T) {
	qmpPort, vncPort := portsFromArgs([]string{"qemu-system-x86_64", "-m", "512"})
	if qmpPort != 0 || vncPort != 0 {
		t.Errorf("expected zero ports, got %d/%d", qmpPort, vncPort)
	}
}
