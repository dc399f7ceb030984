package federation

import (
	"fmt"
	"strings"
)

const (
	ResourceNodes     = "nodes"
	ResourceCommands  = "commands"
	ResourceTargets   = "targets"
	ResourceGeofences = "geofences"
	ResourceEvents    = "events"

	ActionUpsert   = "upsert"
	ActionDelete   = "delete"
	ActionSnapshot = "snapshot"
	ActionEvents   = "events"
	ActionRequest  = "request"
)

// Topics builds and parses topics of the form
// <namespace>/<siteId>/<resource>/<action>.
type Topics struct {
	Namespace string
}

func NewTopics(namespace string) Topics {
	return Topics{Namespace: strings.Trim(namespace, "/")}
}

// TopicParts are the components of a parsed topic.
type TopicParts struct {
	SiteID   string
	Resource string
	Action   string
}

// Publish returns the concrete topic a site publishes on.
func (t Topics) Publish(siteID, resource, action string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Namespace, siteID, resource, action)
}

// Subscription returns the pattern matching resource/action from any site.
func (t Topics) Subscription(resource, action string) string {
	return t.Publish("+", resource, action)
}

// Event returns the topic for a local event of the given type.
func (t Topics) Event(siteID, eventType string) string {
	return t.Publish(siteID, ResourceEvents, SanitizeEventType(eventType))
}

func (t Topics) EventSubscription() string {
	return t.Subscription(ResourceEvents, "+")
}

// Parse splits a topic under this namespace into its components.
func (t Topics) Parse(topic string) (TopicParts, error) {
	prefix := t.Namespace + "/"
	if !strings.HasPrefix(topic, prefix) {
		return TopicParts{}, fmt.Errorf("topic %q is outside namespace %q", topic, t.Namespace)
	}

	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	if len(parts) != 3 {
		return TopicParts{}, fmt.Errorf("topic %q must have site, resource and action levels", topic)
	}
	for _, p := range parts {
		if p == "" {
			return TopicParts{}, fmt.Errorf("topic %q has an empty level", topic)
		}
	}

	return TopicParts{SiteID: parts[0], Resource: parts[1], Action: parts[2]}, nil
}

// SanitizeEventType maps an event type onto a single topic level.
func SanitizeEventType(eventType string) string {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		return "unknown"
	}

	var b strings.Builder
	for _, r := range eventType {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
