package model

// ToContent converts a RemotePeerConfiguration to the generic JSON-document
// shape PeerStore persists it as (collection "_system_remote_peers", key
// node_id) — this is what lets remote peer records replicate through the
// ordinary oplog path instead of a bespoke one, per spec §3.
func (p RemotePeerConfiguration) ToContent() map[string]any {
	return map[string]any{
		"node_id":        p.NodeID,
		"address":        p.Address,
		"type":           int(p.Type),
		"oauth2_json":    p.OAuth2JSON,
		"is_enabled":     p.IsEnabled,
		"interests_json": p.InterestsJSON,
	}
}

// RemotePeerFromContent reverses ToContent, tolerating the numeric-type
// widening JSON round-trips inflict (ints decode as float64).
func RemotePeerFromContent(content map[string]any) RemotePeerConfiguration {
	return RemotePeerConfiguration{
		NodeID:        stringField(content, "node_id"),
		Address:       stringField(content, "address"),
		Type:          PeerType(intField(content, "type")),
		OAuth2JSON:    stringField(content, "oauth2_json"),
		IsEnabled:     boolField(content, "is_enabled"),
		InterestsJSON: stringField(content, "interests_json"),
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
