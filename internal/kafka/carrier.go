package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier exposes a Kafka record's headers as an OpenTelemetry
// propagation.TextMapCarrier, so span context rides every task message
// from the producer through to the consuming worker.
type HeaderCarrier []segkafka.Header

// Get returns the value of the first header named key, or "".
func (hc HeaderCarrier) Get(key string) string {
	for i := range hc {
		if hc[i].Key == key {
			return string(hc[i].Value)
		}
	}
	return ""
}

// Set replaces every header named key with a single key/value pair.
func (hc *HeaderCarrier) Set(key, value string) {
	kept := (*hc)[:0]
	for _, h := range *hc {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*hc = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists the header names in carrier order.
func (hc HeaderCarrier) Keys() []string {
	out := make([]string, 0, len(hc))
	for _, h := range hc {
		out = append(out, h.Key)
	}
	return out
}
