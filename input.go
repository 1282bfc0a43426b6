package emuctl

import (
	"context"
	"time"
	"unicode"
)

// MouseButton identifies a virtual mouse button in the emulator's
// input-send-event schema.
type MouseButton int

const (
	MouseLeft MouseButton = iota
	MouseMiddle
	MouseRight
)

// InputTiming holds the pacing delays used by the input primitives.
// They model the processing rate of the emulated input devices, not
// implementation detail: shortening them can drop input inside the
// guest.
type InputTiming struct {
	// KeyHold is the hold time for a single key press.
	KeyHold time.Duration

	// ComboHold is the hold time for a key combination.
	ComboHold time.Duration

	// TypeDelay is the pause between characters when typing text.
	TypeDelay time.Duration

	// ClickHold is the pause between button press and release.
	ClickHold time.Duration

	// DoubleClickGap is the pause between the two clicks of a double
	// click.
	DoubleClickGap time.Duration

	// DragSteps is the number of interpolated moves in a drag.
	DragSteps int

	// DragStepDelay is the pause between drag steps.
	DragStepDelay time.Duration

	// DragSettle is the pause after positioning before the drag's
	// button press.
	DragSettle time.Duration
}

// DefaultInputTiming returns the pacing used against a stock QEMU
// virtio input stack.
func DefaultInputTiming() InputTiming {
	return InputTiming{
		KeyHold:        50 * time.Millisecond,
		ComboHold:      100 * time.Millisecond,
		TypeDelay:      20 * time.Millisecond,
		ClickHold:      50 * time.Millisecond,
		DoubleClickGap: 100 * time.Millisecond,
		DragSteps:      20,
		DragStepDelay:  10 * time.Millisecond,
		DragSettle:     50 * time.Millisecond,
	}
}

// KeyPress sends a single key press. The key is a symbolic name
// ("enter", "f5", "ctrl") or a literal character.
func (q *QMP) KeyPress(ctx context.Context, key string) error {
	return q.sendKeys(ctx, []string{normalizeKey(key)}, q.Timing.KeyHold)
}

// KeyCombo presses the given keys simultaneously ("ctrl", "alt", "f2").
func (q *QMP) KeyCombo(ctx context.Context, keys ...string) error {
	codes := make([]string, len(keys))
	for i, k := range keys {
		codes[i] = normalizeKey(k)
	}
	return q.sendKeys(ctx, codes, q.Timing.ComboHold)
}

func (q *QMP) sendKeys(ctx context.Context, codes []string, hold time.Duration) error {
	keyList := make([]map[string]any, len(codes))
	for i, code := range codes {
		keyList[i] = map[string]any{"type": "qcode", "data": code}
	}

	_, err := q.Execute(ctx, "send-key", map[string]any{
		"keys":      keyList,
		"hold-time": hold.Milliseconds(),
	})
	return err
}

// TypeText types the given text character by character: space, newline
// and tab map to their key names, uppercase letters are sent as a shift
// combination of the lowercase form, everything else as a literal key.
// A short delay between characters respects the emulated keyboard's
// processing rate.
func (q *QMP) TypeText(ctx context.Context, text string) error {
	for _, ch := range text {
		var err error
		switch {
		case ch == ' ':
			err = q.KeyPress(ctx, "space")
		case ch == '\n':
			err = q.KeyPress(ctx, "enter")
		case ch == '\t':
			err = q.KeyPress(ctx, "tab")
		case unicode.IsUpper(ch):
			err = q.KeyCombo(ctx, "shift", string(unicode.ToLower(ch)))
		default:
			err = q.KeyPress(ctx, string(ch))
		}
		if err != nil {
			return err
		}
		if err := sleepCtx(ctx, q.Timing.TypeDelay); err != nil {
			return err
		}
	}
	return nil
}

// MouseMove moves the pointer to absolute coordinates.
func (q *QMP) MouseMove(ctx context.Context, x, y int) error {
	_, err := q.Execute(ctx, "input-send-event", map[string]any{
		"events": []map[string]any{
			{"type": "abs", "data": map[string]any{"axis": "x", "value": x}},
			{"type": "abs", "data": map[string]any{"axis": "y", "value": y}},
		},
	})
	return err
}

// Click presses and releases the given mouse button at the current
// pointer position.
func (q *QMP) Click(ctx context.Context, button MouseButton) error {
	if err := q.buttonEvent(ctx, button, true); err != nil {
		return err
	}
	if err := sleepCtx(ctx, q.Timing.ClickHold); err != nil {
		return err
	}
	return q.buttonEvent(ctx, button, false)
}

// DoubleClick performs two clicks separated by the configured gap.
func (q *QMP) DoubleClick(ctx context.Context, button MouseButton) error {
	if err := q.Click(ctx, button); err != nil {
		return err
	}
	if err := sleepCtx(ctx, q.Timing.DoubleClickGap); err != nil {
		return err
	}
	return q.Click(ctx, button)
}

// Drag moves to (x0,y0), presses the left button, moves to (x1,y1) in
// linearly interpolated steps and releases.
func (q *QMP) Drag(ctx context.Context, x0, y0, x1, y1 int) error {
	if err := q.MouseMove(ctx, x0, y0); err != nil {
		return err
	}
	if err := sleepCtx(ctx, q.Timing.DragSettle); err != nil {
		return err
	}

	if err := q.buttonEvent(ctx, MouseLeft, true); err != nil {
		return err
	}

	steps := q.Timing.DragSteps
	if steps <= 0 {
		steps = 1
	}
	for i := 1; i <= steps; i++ {
		x := x0 + (x1-x0)*i/steps
		y := y0 + (y1-y0)*i/steps
		if err := q.MouseMove(ctx, x, y); err != nil {
			return err
		}
		if err := sleepCtx(ctx, q.Timing.DragStepDelay); err != nil {
			return err
		}
	}

	return q.buttonEvent(ctx, MouseLeft, false)
}

func (q *QMP) buttonEvent(ctx context.Context, button MouseButton, down bool) error {
	_, err := q.Execute(ctx, "input-send-event", map[string]any{
		"events": []map[string]any{
			{"type": "btn", "data": map[string]any{"down": down, "button": int(button)}},
		},
	})
	return err
}

// Screenshot asks the emulator to dump its framebuffer to the named
// file and returns that path. This is a side channel distinct from the
// streaming display client; the file is written by QEMU itself.
func (q *QMP) Screenshot(ctx context.Context, filename string) (string, error) {
	_, err := q.Execute(ctx, "screendump", map[string]any{
		"filename": filename,
	})
	if err != nil {
		return "", err
	}
	return filename, nil
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
