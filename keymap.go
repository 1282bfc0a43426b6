package emuctl

import "strings"

// keyMap maps symbolic key names to QEMU qcodes. Constructed once,
// never mutated at runtime.
var keyMap = map[string]string{
	"enter":     "ret",
	"return":    "ret",
	"esc":       "esc",
	"escape":    "esc",
	"tab":       "tab",
	"space":     "spc",
	"backspace": "backspace",
	"delete":    "delete",
	"insert":    "insert",
	"home":      "home",
	"end":       "end",
	"pageup":    "pgup",
	"pagedown":  "pgdn",
	"up":        "up",
	"down":      "down",
	"left":      "left",
	"right":     "right",
	"f1":        "f1",
	"f2":        "f2",
	"f3":        "f3",
	"f4":        "f4",
	"f5":        "f5",
	"f6":        "f6",
	"f7":        "f7",
	"f8":        "f8",
	"f9":        "f9",
	"f10":       "f10",
	"f11":       "f11",
	"f12":       "f12",
	"ctrl":      "ctrl",
	"alt":       "alt",
	"shift":     "shift",
	"super":     "meta_l",
	"win":       "meta_l",
	"meta":      "meta_l",
	"capslock":  "caps_lock",
}

// normalizeKey converts a symbolic key name to a QEMU qcode. Literal
// single characters and unmapped names pass through lower-cased; the
// permissive fallback lets callers hand raw qcodes (e.g. "kp_enter")
// straight through.
func normalizeKey(name string) string {
	lower := strings.ToLower(name)
	if code, ok := keyMap[lower]; ok {
		return code
	}
	return lower
}
