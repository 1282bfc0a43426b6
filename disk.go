package emuctl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CreateDiskImage creates a qcow2 disk image at path with the given size
// ("20G", "512M", ... in qemu-img syntax). qemuImgPath is the qemu-img
// binary; if empty it is located automatically.
func CreateDiskImage(ctx context.Context, qemuImgPath, path, size string) error {
	if path == "" {
		return fmt.Errorf("disk path is empty")
	}
	if size == "" {
		return fmt.Errorf("disk size is empty")
	}

	bin, err := LocateQemuImg(qemuImgPath)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, "create", "-f", "qcow2", path, size)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// diskExists reports whether the disk image at path already exists.
func diskExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
