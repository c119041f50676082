package emit

import (
	"github.com/sirupsen/logrus"
)

// LogEmitter writes events to a logrus logger as structured fields.
//
// Example output (text formatter):
//
//	level=info msg=checkpoint_saved execution_id=exec-1 node_id=fetch checkpoint_id=42
type LogEmitter struct {
	log *logrus.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger falls back to the
// standard logrus logger.
func NewLogEmitter(log *logrus.Logger) *LogEmitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogEmitter{log: log}
}

// Emit logs the event at info level, or error level when the meta
// carries an "error" key.
func (l *LogEmitter) Emit(event Event) {
	fields := logrus.Fields{}
	if event.ExecutionID != "" {
		fields["execution_id"] = event.ExecutionID
	}
	if event.NodeID != "" {
		fields["node_id"] = event.NodeID
	}
	for k, v := range event.Meta {
		fields[k] = v
	}

	entry := l.log.WithFields(fields)
	if _, hasErr := event.Meta["error"]; hasErr {
		entry.Error(event.Msg)
		return
	}
	entry.Info(event.Msg)
}
