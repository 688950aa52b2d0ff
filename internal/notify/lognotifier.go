package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intelfeed/internal/filter"
)

// LogNotifier writes entries to the logger instead of a remote sink.
type LogNotifier struct {
	logger log.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Render(e filter.Entry) (Payload, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return Payload{}, fmt.Errorf("log: marshal entry: %w", err)
	}
	return Payload{ContentType: "application/json", Body: body, Summary: Summary(e)}, nil
}

func (n *LogNotifier) Deliver(ctx context.Context, p Payload) Outcome {
	n.logger.Info(ctx, "entry delivered to log", "entry", p.Summary, "bytes", len(p.Body))
	return Delivered()
}

// Summary is a one-line description of an entry.
func Summary(e filter.Entry) string {
	c := e.Classification
	return fmt.Sprintf("[%s/%s] %s (%s)", c.Severity, c.ThreatType, e.Item.Title, e.Item.SourceName)
}
