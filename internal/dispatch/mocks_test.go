// internal/dispatch/mocks_test.go
package dispatch

import (
	"context"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// MockDriver is a testify mock for the browser driver surface.
type MockDriver struct {
	mock.Mock
}

var _ browser.Driver = (*MockDriver)(nil)

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockDriver) GoBack(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDriver) ClickNode(ctx context.Context, id cdp.BackendNodeID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDriver) TypeNode(ctx context.Context, id cdp.BackendNodeID, text string, pressEnter bool) error {
	args := m.Called(ctx, id, text, pressEnter)
	return args.Error(0)
}

func (m *MockDriver) PressKey(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockDriver) Scroll(ctx context.Context, deltaY float64) error {
	args := m.Called(ctx, deltaY)
	return args.Error(0)
}

func (m *MockDriver) Evaluate(ctx context.Context, script string, out interface{}) error {
	args := m.Called(ctx, script, out)
	return args.Error(0)
}

func (m *MockDriver) ExtractText(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Location(ctx context.Context) (string, string, error) {
	args := m.Called(ctx)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockDriver) FullAXTree(ctx context.Context) ([]*accessibility.Node, error) {
	args := m.Called(ctx)
	if nodes, ok := args.Get(0).([]*accessibility.Node); ok {
		return nodes, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) OuterHTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) WaitStable(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDriver) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if shot, ok := args.Get(0).([]byte); ok {
		return shot, args.Error(1)
	}
	return nil, args.Error(1)
}
