package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidConnection = errors.New("invalid connection record")

// NormalizeConnection coerces a loosely-shaped connection record into the
// validated struct. Persisted records have gone through several shapes:
// early ones stored the organization inside a url field and named the
// project "projectName", and auth methods appeared under legacy aliases.
// All of that is resolved here, at the boundary; internal code only ever
// sees Connection.
func NormalizeConnection(raw map[string]any) (Connection, error) {
	conn := Connection{
		ID:           stringField(raw, "id", "connectionId", "connection_id"),
		Organization: stringField(raw, "organization", "org", "organizationName"),
		Project:      stringField(raw, "project", "projectName", "project_name"),
		Label:        stringField(raw, "label", "name"),
		BaseURL:      stringField(raw, "base_url", "baseUrl", "url", "orgUrl"),
	}

	if conn.Organization == "" && conn.BaseURL != "" {
		conn.Organization = organizationFromURL(conn.BaseURL)
	}
	if conn.Organization == "" || conn.Project == "" {
		return Connection{}, fmt.Errorf("%w: organization and project are required", ErrInvalidConnection)
	}

	method, err := normalizeAuthMethod(stringField(raw, "auth_method", "authMethod", "authType"))
	if err != nil {
		return Connection{}, err
	}
	conn.AuthMethod = method

	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if at, ok := raw["created_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, at); err == nil {
			conn.CreatedAt = parsed.UTC()
		}
	}
	return conn, nil
}

func normalizeAuthMethod(raw string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "credential", "pat", "token":
		return AuthMethodCredential, nil
	case "interactive", "entra", "oauth", "device-code", "devicecode":
		return AuthMethodInteractive, nil
	case "":
		// Records predating the auth method field were all token based.
		return AuthMethodCredential, nil
	default:
		return "", fmt.Errorf("%w: unknown auth method %q", ErrInvalidConnection, raw)
	}
}

func stringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func organizationFromURL(rawURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if trimmed == "" {
		return ""
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || idx == len(trimmed)-1 {
		return ""
	}
	segment := trimmed[idx+1:]
	if strings.Contains(segment, ".") {
		// Host-only url, no organization path segment.
		return ""
	}
	return segment
}
