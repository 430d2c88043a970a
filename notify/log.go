package notify

import (
	"context"
	"log/slog"

	"github.com/c360/memhook/mapper"
)

// LogNotifier writes events to a structured logger. Value changes are logged
// at debug level since a running game produces many of them.
type LogNotifier struct {
	logger *slog.Logger
}

var _ ClientNotifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log sink
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify-log")}
}

// OnMapperLoading logs the start of a mapper load
func (n *LogNotifier) OnMapperLoading(ctx context.Context) error {
	n.logger.InfoContext(ctx, "Mapper loading")
	return nil
}

// OnMapperLoaded logs a loaded mapper
func (n *LogNotifier) OnMapperLoaded(ctx context.Context, meta mapper.Meta) error {
	n.logger.InfoContext(ctx, "Mapper loaded",
		"mapper_id", meta.ID,
		"game", meta.GameName,
		"platform", meta.Platform)
	return nil
}

// OnPropertyChanged logs a value change
func (n *LogNotifier) OnPropertyChanged(ctx context.Context, change PropertyChange) error {
	n.logger.DebugContext(ctx, "Property changed",
		"path", change.Path,
		"value", change.Value,
		"bytes", change.Bytes,
		"frozen", change.Frozen)
	return nil
}

// OnPropertyFrozen logs a freeze
func (n *LogNotifier) OnPropertyFrozen(ctx context.Context, path string) error {
	n.logger.InfoContext(ctx, "Property frozen", "path", path)
	return nil
}

// OnPropertyUnfrozen logs a released freeze
func (n *LogNotifier) OnPropertyUnfrozen(ctx context.Context, path string) error {
	n.logger.InfoContext(ctx, "Property unfrozen", "path", path)
	return nil
}

// OnDriverError logs a driver problem
func (n *LogNotifier) OnDriverError(ctx context.Context, problem ProblemDetails) error {
	n.logger.WarnContext(ctx, "Driver error",
		"title", problem.Title,
		"detail", problem.Detail,
		"kind", problem.Kind,
		"driver", problem.Driver)
	return nil
}
