// Package telemetry provides semantic conventions for CoreFlow observability.
package telemetry

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for CoreFlow telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates signals with the domain event kind (ENTITY_CREATED, MODULE_SYNC, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrChannel identifies the routing channel (CRM, ACCOUNTING, ...).
	AttrChannel = attribute.Key("event.channel")
	// AttrPriority records the event priority name.
	AttrPriority = attribute.Key("event.priority")
	// AttrEventID carries the event identifier on spans only.
	AttrEventID = attribute.Key("event.id")
	// AttrTenant identifies the owning tenant on spans.
	AttrTenant = attribute.Key("tenant.id")
	// AttrModule identifies the publishing or handling business module.
	AttrModule = attribute.Key("module")
	// AttrHandler identifies a registered handler.
	AttrHandler = attribute.Key("handler.id")
	// AttrTransport names the distributed transport backend.
	AttrTransport = attribute.Key("transport")
	// AttrStore names the persistence backend.
	AttrStore = attribute.Key("store")
	// AttrOperation differentiates specific operations (publish, store_event, update_status, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrPoolName labels pooled resource metrics.
	AttrPoolName = attribute.Key("pool.name")
)

var environment atomic.Value

// SetEnvironment records the deployment environment stamped on every metric.
func SetEnvironment(env string) {
	environment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the configured deployment environment, defaulting to development.
func Environment() string {
	if v, ok := environment.Load().(string); ok && v != "" {
		return v
	}
	return "development"
}

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrChannel.String(channel),
	}
}

// ChannelAttributes returns attributes for per-channel gauges.
func ChannelAttributes(environment, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
	}
}

// HandlerAttributes returns attributes for handler execution metrics.
func HandlerAttributes(environment, channel, handlerID, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannel.String(channel),
		AttrHandler.String(handlerID),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// PoolAttributes returns common attributes for pool metrics.
func PoolAttributes(environment, poolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, component, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if component != "" {
		attrs = append(attrs, AttrStore.String(component))
	}
	return attrs
}
