package exchangeclient

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exchangeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "exchange_api",
		Name:      "requests_total",
		Help:      "Exchange API calls by operation and outcome.",
	}, []string{"op", "outcome"})

	quoteLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "exchange_api",
		Name:      "quote_lookups_total",
		Help:      "Quote requests served from the cache or the API.",
	}, []string{"source"})
)

func outcomeLabel(resp *http.Response, err error) string {
	if err != nil || resp == nil {
		return "transport_error"
	}
	return strconv.Itoa(resp.StatusCode)
}
