package testutil

import (
	"reflect"
	"time"
)

// ServiceCall records a service call for testing/verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// EntityIDs returns the call's entity_id, which may be a single id or a list
func (c ServiceCall) EntityIDs() []string {
	return entityIDsOf(c.ServiceData)
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindServiceCallWithData finds the most recent service call with matching data key/value.
// Values are compared after JSON decoding, so numbers are float64 and lists []interface{}.
func FindServiceCallWithData(calls []ServiceCall, domain, service, dataKey string, dataValue interface{}) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Domain == domain && call.Service == service {
			if val, ok := call.ServiceData[dataKey]; ok && reflect.DeepEqual(val, dataValue) {
				return &call
			}
		}
	}
	return nil
}

// FindServiceCallWithEntityID finds the most recent service call targeting an entity
func FindServiceCallWithEntityID(calls []ServiceCall, domain, service, entityID string) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Domain != domain || call.Service != service {
			continue
		}
		for _, id := range call.EntityIDs() {
			if id == entityID {
				return &call
			}
		}
	}
	return nil
}

func entityIDsOf(data map[string]interface{}) []string {
	switch v := data["entity_id"].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if id, ok := item.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}
