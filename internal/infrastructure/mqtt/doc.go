// Package mqtt provides MQTT broker connectivity for ISH.
//
// The client wraps paho.mqtt.golang with:
//   - Auto-reconnect with backoff and subscription restore
//   - Validated publish and subscribe with per-operation timeouts
//   - Panic recovery around message handlers
//   - A retained online/offline status topic with Last Will
//
// Topic layout (prefix configurable, default "ish"):
//
//	ish/status                          online/offline (retained, LWT)
//	ish/state/<entity_id>               entity state snapshot (retained)
//	ish/command/<domain>/<service>      service call requests
//	ish/event/<event_type>              fired events
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
//	err = client.PublishRetained(topics.State("light.kitchen"), payload)
package mqtt
