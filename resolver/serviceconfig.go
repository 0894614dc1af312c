package resolver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServiceConfig is the subset of the gRPC service config this module
// consumes: the load balancer policy selection. It arrives either
// out-of-band (a DNS TXT record) or programmatically.
type ServiceConfig struct {
	// LoadBalancingPolicy is the lowercase policy name, e.g. "round_robin"
	// or "pick_first". Empty means the channel default.
	LoadBalancingPolicy string
}

// ParseServiceConfig parses the JSON service config form. Both the legacy
// string field and the newer config-list form are accepted:
//
//	{"loadBalancingPolicy": "round_robin"}
//	{"loadBalancingConfig": [{"round_robin": {}}]}
//
// Unknown fields are ignored; the full service-config grammar is out of
// scope.
func ParseServiceConfig(js string) (*ServiceConfig, error) {
	var raw struct {
		LoadBalancingPolicy string                       `json:"loadBalancingPolicy"`
		LoadBalancingConfig []map[string]json.RawMessage `json:"loadBalancingConfig"`
	}
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return nil, fmt.Errorf("resolver: malformed service config: %v", err)
	}
	sc := &ServiceConfig{LoadBalancingPolicy: strings.ToLower(raw.LoadBalancingPolicy)}
	for _, entry := range raw.LoadBalancingConfig {
		for name := range entry {
			sc.LoadBalancingPolicy = strings.ToLower(name)
			break
		}
		if sc.LoadBalancingPolicy != "" {
			break
		}
	}
	return sc, nil
}
