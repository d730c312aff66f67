package store

import "github.com/VictoriaMetrics/metrics"

const logKeyAuthor = "author"

var (
	metricInsertLocal  = metrics.NewCounter(`docs_entries_inserted_total{origin="local"}`)
	metricInsertRemote = metrics.NewCounter(`docs_entries_inserted_total{origin="remote"}`)
	metricObsolete     = metrics.NewCounter(`docs_entries_obsolete_total`)
)
