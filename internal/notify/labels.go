package notify

import "strings"

// DefaultServiceLabels are used when the catalog file does not name a
// service type.
var DefaultServiceLabels = map[string]string{
	"led-recessed-lighting": "LED Recessed Lighting",
	"ev-charger-install":    "EV Charger Install",
}

// ServiceLabels maps service type slugs to human readable names.
type ServiceLabels map[string]string

// NewServiceLabels overlays overrides on the defaults.
func NewServiceLabels(overrides map[string]string) ServiceLabels {
	labels := make(ServiceLabels, len(DefaultServiceLabels)+len(overrides))
	for k, v := range DefaultServiceLabels {
		labels[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			labels[k] = v
		}
	}
	return labels
}

// Label returns the display name, or the slug itself when unknown.
func (l ServiceLabels) Label(serviceType string) string {
	if label, ok := l[serviceType]; ok {
		return label
	}
	return serviceType
}
