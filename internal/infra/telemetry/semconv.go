package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for relay telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTrigger records what started a broadcast cycle (connect, timer, refresh).
	AttrTrigger = attribute.Key("relay.trigger")
	// AttrResultKind distinguishes match-list snapshots from passthrough bodies.
	AttrResultKind = attribute.Key("relay.result_kind")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrRoute labels HTTP metrics with the matched route pattern.
	AttrRoute = attribute.Key("http.route")
	// AttrMethod labels HTTP metrics with the request method.
	AttrMethod = attribute.Key("http.method")
	// AttrStatus labels HTTP metrics with the response status code.
	AttrStatus = attribute.Key("http.status_code")
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// CycleAttributes returns attributes for broadcast cycle and delivery metrics.
func CycleAttributes(environment, trigger, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTrigger.String(trigger),
		AttrResult.String(result),
	}
}

// HTTPAttributes returns attributes for HTTP request metrics.
func HTTPAttributes(environment, route, method string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRoute.String(route),
		AttrMethod.String(method),
		AttrStatus.Int(status),
	}
}
