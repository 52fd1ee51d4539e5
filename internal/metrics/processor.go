package metrics

import "pricerelay/logger"

// IngestStats holds counters for the ingestion stage.
type IngestStats struct {
	MessagesReceived int64
	RecordsStored    int64
	Duplicates       int64
	Stale            int64
	NotApplicable    int64
	Dropped          int64
	StreamLen        int
	StreamCap        int
}

// ReportIngest emits metrics for the ingestion loop.
func ReportIngest(log *logger.Log, stats IngestStats) {
	l := log.WithComponent("ingest")

	rejectRate := float64(0)
	if stats.MessagesReceived > 0 {
		rejectRate = float64(stats.NotApplicable) / float64(stats.MessagesReceived)
	}

	EmitMetric(log, "ingest", "messages_received", stats.MessagesReceived, "counter", logger.Fields{})
	EmitMetric(log, "ingest", "records_stored", stats.RecordsStored, "counter", logger.Fields{})
	EmitMetric(log, "ingest", "records_not_applicable", stats.NotApplicable, "counter", logger.Fields{})
	EmitMetric(log, "ingest", "reject_rate", rejectRate, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"messages_received": stats.MessagesReceived,
		"records_stored":    stats.RecordsStored,
		"duplicates":        stats.Duplicates,
		"stale":             stats.Stale,
		"not_applicable":    stats.NotApplicable,
		"dropped":           stats.Dropped,
		"reject_rate":       rejectRate,
		"stream_len":        stats.StreamLen,
		"stream_cap":        stats.StreamCap,
	})
	if stats.Dropped > 0 {
		entry.Warn("ingest metrics")
		return
	}
	entry.Info("ingest metrics")
}
