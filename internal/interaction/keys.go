package interaction

import (
	"encoding/json"
	"strings"
)

var (
	requestIDKeys = []string{
		"requestID",
		"requestId",
		"id",
		"permissionID",
		"permissionId",
		"questionID",
		"questionId",
	}
	requestContainerKeys = []string{"request", "permission", "question"}

	sessionIDKeys          = []string{"sessionID", "sessionId", "session_id"}
	sessionContainerKeys   = []string{"session", "request"}
	nestedSessionIDKeys    = []string{"sessionID", "sessionId", "session_id", "id"}
	payloadNotSerializable = `{"error":"payload_not_serializable"}`
)

// AsRecord reports whether v is a JSON object and returns it.
func AsRecord(v any) (map[string]any, bool) {
	record, ok := v.(map[string]any)
	return record, ok && record != nil
}

// ExtractRequestID tries the known id spellings at the top level, then inside the first
// request/permission/question sub-object.
func ExtractRequestID(record map[string]any) (string, bool) {
	if id, ok := pickString(record, requestIDKeys); ok {
		return id, true
	}

	nested, ok := nestedRecord(record, requestContainerKeys)
	if !ok {
		return "", false
	}

	return pickString(nested, requestIDKeys)
}

// ExtractSessionID is ExtractRequestID's counterpart for the owning session.
func ExtractSessionID(record map[string]any) (string, bool) {
	if id, ok := pickString(record, sessionIDKeys); ok {
		return id, true
	}

	nested, ok := nestedRecord(record, sessionContainerKeys)
	if !ok {
		return "", false
	}

	return pickString(nested, nestedSessionIDKeys)
}

// SerializePayload snapshots the raw request for audit.
func SerializePayload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return payloadNotSerializable
	}

	return string(data)
}

func pickString(record map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		value, ok := record[key].(string)
		if ok && strings.TrimSpace(value) != "" {
			return value, true
		}
	}

	return "", false
}

func nestedRecord(record map[string]any, keys []string) (map[string]any, bool) {
	for _, key := range keys {
		if nested, ok := AsRecord(record[key]); ok {
			return nested, true
		}
	}

	return nil, false
}
