package graph

import "go.uber.org/zap"

// Observer receives node lifecycle events. Calls come from the executor's
// bookkeeping goroutine and must not block.
type Observer interface {
	NodeStarted(runID, node string)
	NodeFinished(runID string, res NodeResult)
}

// Observers fans events out to several observers.
type Observers []Observer

func (obs Observers) NodeStarted(runID, node string) {
	for _, o := range obs {
		o.NodeStarted(runID, node)
	}
}

func (obs Observers) NodeFinished(runID string, res NodeResult) {
	for _, o := range obs {
		o.NodeFinished(runID, res)
	}
}

// LogObserver logs every node transition.
type LogObserver struct {
	Logger *zap.Logger
}

func (l LogObserver) NodeStarted(runID, node string) {
	l.Logger.Debug("node started", zap.String("run", runID), zap.String("node", node))
}

func (l LogObserver) NodeFinished(runID string, res NodeResult) {
	fields := []zap.Field{
		zap.String("run", runID),
		zap.String("node", res.Name),
		zap.Stringer("state", res.State),
	}
	if !res.Started.IsZero() {
		fields = append(fields, zap.Duration("duration", res.Finished.Sub(res.Started)))
	}
	switch res.State {
	case Failed:
		l.Logger.Warn("node failed", append(fields, zap.Error(res.Err))...)
	case Skipped:
		l.Logger.Info("node skipped", append(fields, zap.String("reason", res.Reason))...)
	default:
		l.Logger.Info("node completed", fields...)
	}
}
