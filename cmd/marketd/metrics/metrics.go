package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

// Prefix is the metric name prefix of the daemon.
const Prefix = "marketd"

// Meter is the daemon-wide meter all components register instruments on.
var Meter = metric.Must(global.Meter(Prefix))
