// Package browserfarm implements the BrowserFarm external collaborator
// consumed by services/browserpool (spec.md §6): it knows how to physically
// open and close a browser window and check whether it's logged in. The
// pool itself (free-list, lease/release, eviction) lives one layer up and
// is blind to whether a window is backed by Docker or Playwright.
package browserfarm

import "context"

// Window is what opening a browser window gets you: an id and a debugger
// endpoint the UploadDriver can attach to.
type Window struct {
	ID            string
	DebugEndpoint string
}

// Farm is the consumed BrowserFarm API of spec.md §6.
type Farm interface {
	ListWindows(ctx context.Context) ([]Window, error)
	OpenByName(ctx context.Context, name string) (Window, error)
	Close(ctx context.Context, id string) error
	CheckLogin(ctx context.Context, id string) (bool, error)
}
