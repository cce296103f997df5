package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// DefaultReportInterval is how often the root scope flushes to the reporter.
const DefaultReportInterval = time.Minute

// NewRootScope builds the process root scope. Values are reported through
// logger at debug level. The returned closer stops reporting.
func NewRootScope(logger *zap.Logger, interval time.Duration) (tally.Scope, io.Closer) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "lanshare",
		Reporter: NewLogReporter(logger),
	}, interval)
}

// OrNoop returns scope, or tally.NoopScope when scope is nil.
func OrNoop(scope tally.Scope) tally.Scope {
	if scope == nil {
		return tally.NoopScope
	}
	return scope
}

// LogReporter is a tally.StatsReporter that writes to a zap logger.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging under the "metrics" name.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("metrics")}
}

func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.logger.Debug("counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Debug("gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Debug("timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *LogReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	buckets tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	r.logger.Debug("histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Float64("lower", bucketLowerBound),
		zap.Float64("upper", bucketUpperBound),
		zap.Int64("samples", samples),
	)
}

func (r *LogReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	buckets tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	r.logger.Debug("histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Duration("lower", bucketLowerBound),
		zap.Duration("upper", bucketUpperBound),
		zap.Int64("samples", samples),
	)
}

func (r *LogReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *LogReporter) Reporting() bool {
	return true
}

func (r *LogReporter) Tagging() bool {
	return true
}

func (r *LogReporter) Flush() {
	_ = r.logger.Sync()
}
