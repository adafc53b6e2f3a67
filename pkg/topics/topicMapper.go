package topics

// TopicMapper resolves a logical event type to a physical topic name. An empty
// result means the type has no external consumer and its broker publish is
// skipped.
type TopicMapper interface {
	TopicForType(eventType string) (string, bool)
}

// StaticTopicMapper is a config-backed mapper.
type StaticTopicMapper struct {
	mapping map[string]string
}

func NewStaticTopicMapper(mapping map[string]string) *StaticTopicMapper {
	return &StaticTopicMapper{mapping: mapping}
}

func (m *StaticTopicMapper) TopicForType(eventType string) (string, bool) {
	topic, ok := m.mapping[eventType]
	if !ok || topic == "" {
		return "", false
	}
	return topic, true
}
