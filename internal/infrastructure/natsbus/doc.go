// Package natsbus publishes device lifecycle events to NATS.
//
// It is the alternative to the mqtt package, selected with
// events.backend: nats. Event topics keep their slash-separated layout
// upstream and are mapped to dotted subjects here, so
// devicemanager/acme/device/create is published on
// devicemanager.acme.device.create.
//
// Every publish is followed by a flush bounded by the caller's context,
// which gives the same "broker has it" guarantee as MQTT QoS 1.
//
// # Usage
//
//	bus, err := natsbus.Connect(cfg.NATS)
//	if err != nil {
//	    return err
//	}
//	defer bus.Close()
//
//	notifier := device.NewNotifier(bus, device.NotifierConfig{TopicPrefix: cfg.Events.TopicPrefix})
package natsbus
