package metrics

import "github.com/prometheus/client_golang/prometheus"

// namespace prefixes every metric name registered in this package.
const namespace = "tatchi"

// Registry is the Prometheus registry every counter, gauge, and histogram
// in this package registers against. Handler and StartServer serve it.
var Registry = prometheus.NewRegistry()
