// Package emuctl provides a control plane for a locally emulated desktop
// machine running under QEMU.
//
// The package has three cooperating parts:
//
//   - Supervisor launches and supervises the QEMU process: it builds the
//     launch command line, creates the backing disk image if needed,
//     verifies early liveness, and performs graceful-then-forced shutdown.
//   - QMP is a client for the QEMU Machine Protocol socket (line-oriented
//     JSON over TCP). It exposes high-level input primitives: key presses,
//     key combos, text typing, mouse movement, clicks and drags, plus a
//     screendump side channel.
//   - VNCClient is a client for QEMU's VNC display socket (the RFB wire
//     protocol). It maintains a local framebuffer, decodes incremental
//     rectangle updates into it, and exports encoded frames at a target
//     rate.
//
// # Quick Start
//
// Launch a machine and drive it:
//
//	cfg := emuctl.DefaultConfig()
//	cfg.BootISO = "/path/to/installer.iso"
//	cfg.DiskPath = "/path/to/disk.qcow2"
//
//	sup, err := emuctl.NewSupervisor(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sup.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer sup.Stop(ctx, false)
//
//	qmp := emuctl.NewQMP(sup.QMPAddr())
//	if err := qmp.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer qmp.Close()
//
//	qmp.TypeText(ctx, "hello")
//	qmp.KeyPress(ctx, "enter")
//
// Stream the display:
//
//	vnc := emuctl.NewVNCClient(sup.VNCAddr())
//	if err := vnc.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer vnc.Close()
//
//	vnc.SetFrameCallback(func(frame []byte) {
//		// frame is a JPEG-encoded image
//	})
//	vnc.StartStreaming(ctx)
//
// # Sockets
//
// Both sockets are plain TCP and assumed local and unauthenticated: the
// QMP socket is bound via -qmp tcp:127.0.0.1:PORT,server,nowait and the
// display via -vnc. The VNC client negotiates the "none" security type
// only.
//
// # Attaching
//
// AttachByPID recovers the QMP and VNC endpoints from a live QEMU
// process's command line, so an already-running machine can be controlled
// without relaunching it.
package emuctl
