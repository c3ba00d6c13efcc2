package querycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lookupTotal counts GetAllPages calls by result ("hit", "miss", "error").
	lookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jiracache_query_cache_lookup_total",
		Help: "Total query cache lookups by result",
	}, []string{"result"})

	pagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jiracache_query_cache_pages_written_total",
		Help: "Total pages upserted into the query cache",
	})

	recordsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jiracache_query_cache_records_served_total",
		Help: "Total records returned from cached pages",
	})
)
