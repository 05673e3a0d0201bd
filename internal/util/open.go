package util

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// OpenURL opens an http(s) URL, typically the core's web dashboard, in the
// system browser. The browser is started but not waited for.
func OpenURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return WrapErrorf(ErrInvalidConfig, "dashboard url %q", rawURL)
	}

	name, args := browserCommand(runtime.GOOS, u.String())
	if err := exec.Command(name, args...).Start(); err != nil {
		return fmt.Errorf("open %s: %w", u.Host, err)
	}
	return nil
}

func browserCommand(goos, target string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{target}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	case "android":
		return "am", []string{"start", "-a", "android.intent.action.VIEW", "-d", target}
	default:
		return "xdg-open", []string{target}
	}
}
