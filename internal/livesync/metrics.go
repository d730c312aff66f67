package livesync

import (
	"github.com/VictoriaMetrics/metrics"
)

var (
	metricSyncOK        = metrics.NewCounter(`docs_sync_runs_total{result="ok"}`)
	metricSyncFailed    = metrics.NewCounter(`docs_sync_runs_total{result="error"}`)
	metricApplied       = metrics.NewCounter(`docs_sync_entries_applied_total`)
	metricPushed        = metrics.NewCounter(`docs_sync_entries_pushed_total`)
	metricFetchOK       = metrics.NewCounter(`docs_sync_content_fetches_total{result="ok"}`)
	metricFetchFailed   = metrics.NewCounter(`docs_sync_content_fetches_total{result="error"}`)
	metricActiveSession = metrics.NewCounter(`docs_sync_sessions_started_total`)
)
