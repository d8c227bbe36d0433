// Package infra holds the adapters behind the core interfaces: the MQTT
// relay and energy transport, metrics sinks, document storage and error
// monitoring. Core packages never import infra.
package infra
