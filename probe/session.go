package probe

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionContext holds the per-session identifier for the lifetime of the
// embedding application. It is constructed once at startup and injected
// wherever a session id is needed, replacing the ambient per-module cache
// the behavior originated from.
type SessionContext struct {
	id string
}

// NewSessionContext generates a fresh session identifier of the form
// sessionId_<unix-millis>_<random>.
func NewSessionContext() *SessionContext {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return &SessionContext{
		id: fmt.Sprintf("sessionId_%d_%s", time.Now().UnixMilli(), suffix),
	}
}

// SessionID returns the cached identifier. It never changes for the
// lifetime of the context.
func (s *SessionContext) SessionID() string { return s.id }
