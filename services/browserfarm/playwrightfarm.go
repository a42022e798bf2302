package browserfarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/logger"
)

// PlaywrightFarm opens browser windows as Playwright browser contexts. It is
// the preferred Farm: no container overhead, native CDP/Firefox-remote
// protocols, auto-wait semantics UploadDriver benefits from.
type PlaywrightFarm struct {
	pw       *playwright.Playwright
	chromium playwright.BrowserType
	firefox  playwright.BrowserType
	webkit   playwright.BrowserType

	mu        sync.Mutex
	instances map[string]*playwrightWindow
}

type playwrightWindow struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

// NewPlaywrightFarm starts the Playwright driver process.
func NewPlaywrightFarm() (*PlaywrightFarm, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &PlaywrightFarm{
		pw:        pw,
		chromium:  pw.Chromium,
		firefox:   pw.Firefox,
		webkit:    pw.WebKit,
		instances: make(map[string]*playwrightWindow),
	}, nil
}

func (f *PlaywrightFarm) ListWindows(ctx context.Context) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	windows := make([]Window, 0, len(f.instances))
	for id := range f.instances {
		windows = append(windows, Window{ID: id})
	}
	return windows, nil
}

func (f *PlaywrightFarm) OpenByName(ctx context.Context, name string) (Window, error) {
	browserType := f.chromium
	kind := "chromium"
	switch name {
	case "firefox":
		browserType = f.firefox
		kind = "firefox"
	case "webkit", "safari":
		browserType = f.webkit
		kind = "webkit"
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}
	browser, err := browserType.Launch(launchOpts)
	if err != nil {
		return Window{}, fmt.Errorf("launch %s: %w", kind, err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1920, Height: 1080},
		Locale:   playwright.String("en-US"),
	})
	if err != nil {
		browser.Close()
		return Window{}, fmt.Errorf("new context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		browserCtx.Close()
		browser.Close()
		return Window{}, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(30000)

	id := fmt.Sprintf("%s-%d", kind, time.Now().UnixNano())
	f.mu.Lock()
	f.instances[id] = &playwrightWindow{browser: browser, context: browserCtx, page: page}
	f.mu.Unlock()

	logger.Info("opened playwright window", zap.String("profile", name), zap.String("window_id", id))
	return Window{ID: id}, nil
}

func (f *PlaywrightFarm) Close(ctx context.Context, id string) error {
	f.mu.Lock()
	win, ok := f.instances[id]
	if ok {
		delete(f.instances, id)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	win.page.Close()
	win.context.Close()
	return win.browser.Close()
}

func (f *PlaywrightFarm) CheckLogin(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	win, ok := f.instances[id]
	f.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown window %s", id)
	}
	_, err := win.page.Evaluate("1 + 1")
	return err == nil, nil
}

// Shutdown stops the underlying Playwright driver process, closing every
// still-open window first.
func (f *PlaywrightFarm) Shutdown() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.Close(context.Background(), id)
	}
	if f.pw != nil {
		f.pw.Stop()
	}
}
