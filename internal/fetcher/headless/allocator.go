package headless

import (
	"context"

	"github.com/chromedp/chromedp"
)

// AllocatorConfig selects the Chrome binary used by headless sessions.
type AllocatorConfig struct {
	// ExecPath overrides the Chrome executable. Empty uses chromedp's lookup.
	ExecPath string
	// NoSandbox is needed when Chrome runs as root inside containers.
	NoSandbox bool
}

// NewAllocator starts an exec allocator shared by the headless fetcher and
// the chromedp link renderer. Cancel it to shut the browser down.
func NewAllocator(cfg AllocatorConfig) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return chromedp.NewExecAllocator(context.Background(), opts...)
}
