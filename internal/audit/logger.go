package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/psu-control/psuctl/internal/config"
)

// Entry is a single audit record.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Serial    string                 `json:"serial"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMs float64                `json:"latencyMs"`
}

// Logger writes audit entries as JSON lines to a size-rotated file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	log      zerolog.Logger
	closed   bool
}

// NewLogger opens the audit file named in cfg, creating its directory.
func NewLogger(cfg config.AuditConfig, log zerolog.Logger) (*Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("audit file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Logger{
		filePath: cfg.File,
		out: &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
		log: log.With().Str("component", "audit").Logger(),
	}, nil
}

// LogAction records one executed action. ID, timestamp and user are filled
// in when empty.
func (l *Logger) LogAction(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.User == "" {
		entry.User = UserFromContext(ctx)
	}
	if entry.Params == nil {
		entry.Params = map[string]interface{}{}
	}
	if entry.Code == "" {
		entry.Code = entry.Outcome
	}

	l.writeEntry(entry)
}

func (l *Logger) writeEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		l.log.Error().Err(err).Str("action", entry.Action).Msg("failed to marshal audit entry")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.log.Warn().Str("action", entry.Action).Msg("audit entry dropped after close")
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.log.Error().Err(err).Str("action", entry.Action).Msg("failed to write audit entry")
	}
}

// Rotate closes the current file, renames it with a timestamp and opens a
// fresh one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.out.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.out.Close()
}

// FilePath returns the path of the active audit file.
func (l *Logger) FilePath() string {
	return l.filePath
}

type userKey struct{}

// WithUser attaches the acting principal to ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the acting principal, or "unknown".
func UserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(userKey{}).(string); ok && user != "" {
		return user
	}
	return "unknown"
}
