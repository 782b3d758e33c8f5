// Package mqttbridge mirrors the entity store onto MQTT and accepts service
// calls from it.
//
// Outbound, every entity change is published retained to
// <prefix>/state/<entity_id> and every non-state event to
// <prefix>/event/<event_type>. Inbound, a JSON body published to
// <prefix>/command/<domain>/<service> is dispatched like a REST service
// call. When the body carries a request_id the outcome is published to
// <prefix>/response/<request_id>.
//
// Publishing happens on a background goroutine so a slow broker never
// delays a store mutation.
package mqttbridge
