// ABOUTME: Finds a Chromium-family browser executable on the host
// ABOUTME: Falls back to go-rod's own lookup when no well-known path exists

package browser

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
)

// candidates lists executables to try, by GOOS.
var candidates = map[string][]string{
	"linux": {
		"google-chrome-stable",
		"google-chrome",
		"chromium",
		"chromium-browser",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	},
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

// LocateBrowser returns configured if set, else the first browser found.
// It returns "" when nothing is installed, leaving go-rod to download one.
func LocateBrowser(configured string) string {
	if configured != "" {
		return configured
	}
	for _, name := range candidates[runtime.GOOS] {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return name
		}
	}
	if path, ok := launcher.LookPath(); ok {
		return path
	}
	return ""
}
