// -----------------------------------------------------------------------
// Browser engine interfaces - drivers, pages and the session manager
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/promptrelay/internal/models"
)

// BrowserHandle is a launched browser instance owned by one driver
type BrowserHandle interface {
	Close(ctx context.Context) error
}

// Page is a single tab of a launched browser
type Page interface {
	Navigate(ctx context.Context, url string) error
	// WaitForSelector waits until selector is visible, or hidden when visible is false
	WaitForSelector(ctx context.Context, selector string, visible bool, timeout time.Duration) error
	IsVisible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string, humanLike bool) error
	Screenshot(ctx context.Context) ([]byte, error)
	ExtractText(ctx context.Context, selector string) (string, error)
	ExtractAttribute(ctx context.Context, selector, attribute string) (string, error)
	EvaluateScript(ctx context.Context, script string) (interface{}, error)
	SetViewport(ctx context.Context, width, height int) error
	InterceptRequests(ctx context.Context, blockPatterns []string) error
	Close(ctx context.Context) error
}

// EngineDriver wraps one concrete browser-automation engine
type EngineDriver interface {
	Kind() models.EngineKind
	Launch(ctx context.Context, config models.BrowserConfig) (BrowserHandle, error)
	NewPage(ctx context.Context, handle BrowserHandle) (Page, error)
}

// EngineManager owns sessions and transparently fails over between engines
type EngineManager interface {
	CreateSession(ctx context.Context, config models.BrowserConfig, preference *models.EngineKind) (string, error)
	ExecuteOperation(ctx context.Context, sessionID string, op models.Operation, params models.OperationParams) (models.Result, error)
	CloseSession(ctx context.Context, sessionID string) error
	ListActiveSessions() []models.Session
}
