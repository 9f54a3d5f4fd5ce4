package redpanda

import "testing"

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(3)
	seen := map[string]bool{}
	for _, c := range configs {
		if seen[c.Name] {
			t.Errorf("duplicate topic %s", c.Name)
		}
		seen[c.Name] = true
		if c.ReplicationFactor != 3 || c.Partitions <= 0 {
			t.Errorf("%s: rf=%d partitions=%d", c.Name, c.ReplicationFactor, c.Partitions)
		}
		if c.Configs["retention.ms"] == nil {
			t.Errorf("%s: no retention", c.Name)
		}
	}
	for _, want := range []string{TopicClaimEvents, TopicEDI277Inbound, TopicEDI276Outbound, TopicDeadlineAlerts, TopicDeadLetter} {
		if !seen[want] {
			t.Errorf("missing topic %s", want)
		}
	}
}
