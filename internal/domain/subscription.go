package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventSubscription parks a waiting activity on a message or signal. Message
// subscriptions carry a derived correlation key; signal subscriptions match
// on name alone.
type EventSubscription struct {
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	ActivityID string `json:"activity_id"`
	Bookmark   string `json:"bookmark"`

	MessageName    string `json:"message_name,omitempty"`
	SignalName     string `json:"signal_name,omitempty"`
	CorrelationKey string `json:"correlation_key,omitempty"`

	// GatewayActivityID is set when the subscription is one arm of an
	// event-based gateway race.
	GatewayActivityID string `json:"gateway_activity_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DeriveCorrelationKey folds the business key and the declared correlation
// variable values into a single stable string. Variable names are sorted so
// the key does not depend on declaration order.
func DeriveCorrelationKey(businessKey string, names []string, values map[string]interface{}) string {
	parts := []string{businessKey}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		v := values[name]
		if v == nil {
			parts = append(parts, name+"=")
			continue
		}
		parts = append(parts, name+"="+fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "|")
}
