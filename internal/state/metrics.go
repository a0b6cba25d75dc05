package state

// Metric name constants for Store.UpdateMetrics: run-wide aggregates. They
// are a separate naming scheme from the per provider/cluster graphite lines
// counter.FlushMetrics writes.
const (
	MetricFilesProcessed = "files.processed"
	MetricFilesInvalid   = "files.invalid"
	MetricFilesSkipped   = "files.skipped"
	MetricLinesProcessed = "lines.processed"
	MetricLinesUploaded  = "lines.uploaded"
	MetricLinesInFlight  = "lines.in_flight"
)
