// Package mqtt publishes device lifecycle events to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Event publishing with QoS guarantees, bounded by a context
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// The client is publish-only. Lifecycle events go to
// <prefix>/<tenant>/device/<kind>; the service's own availability is
// retained on <prefix>/system/status.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//   - Events never carry raw key material
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Events.TopicPrefix)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	notifier := device.NewNotifier(client, device.NotifierConfig{TopicPrefix: cfg.Events.TopicPrefix})
package mqtt
