package hass

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kidhasmoxy/otto-engine/errors"
)

// ServiceInfo describes one service offered by a domain.
type ServiceInfo struct {
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// ServiceDomain is the set of services a hub domain offers, keyed by service name.
type ServiceDomain struct {
	Domain   string                 `json:"domain"`
	Services map[string]ServiceInfo `json:"services"`
}

// ServiceNames returns the sorted service names of the domain.
func (d *ServiceDomain) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceDomainFromMap builds a ServiceDomain from one entry of a service snapshot.
func ServiceDomainFromMap(domain string, raw any) (*ServiceDomain, error) {
	services, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: domain %s", errors.ErrUnexpectedShape, domain),
			"hass", "ServiceDomainFromMap", "read services")
	}

	sd := &ServiceDomain{Domain: domain, Services: make(map[string]ServiceInfo, len(services))}
	for name, v := range services {
		info := ServiceInfo{}
		if m, ok := v.(map[string]any); ok {
			info.Description, _ = m["description"].(string)
			info.Fields, _ = m["fields"].(map[string]any)
		}
		sd.Services[name] = info
	}
	return sd, nil
}

// ServiceCall asks the hub to run a service.
type ServiceCall struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"service_data,omitempty"`
}

// ParseServiceName splits "domain.service" into its two parts.
func ParseServiceName(name string) (domain, service string, err error) {
	domain, service, ok := strings.Cut(name, ".")
	if !ok || domain == "" || service == "" {
		return "", "", fmt.Errorf("%w: service %q is not in domain.service form", errors.ErrInvalidRule, name)
	}
	return domain, service, nil
}

// String renders the call as domain.service.
func (c ServiceCall) String() string {
	return c.Domain + "." + c.Service
}
