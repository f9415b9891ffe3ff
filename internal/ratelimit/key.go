package ratelimit

import "strings"

// KeyType distinguishes the traffic classes that carry independent budgets.
type KeyType string

const (
	KeyHTTP         KeyType = "http"
	KeyWSConnection KeyType = "ws_connection"
	KeyWSMessage    KeyType = "ws_message"
)

// Key identifies one rate-limit bucket. ClientID is usually the extracted
// source IP; authenticated requests may use the principal id instead.
type Key struct {
	Type         KeyType
	ClientID     string
	ServiceID    string
	EndpointID   string
	ConnectionID string
}

// HTTPKey builds the key for a proxied HTTP request.
func HTTPKey(clientID, serviceID, endpointID string) Key {
	return Key{Type: KeyHTTP, ClientID: clientID, ServiceID: serviceID, EndpointID: endpointID}
}

// WSConnectionKey builds the key for WebSocket connection establishment.
func WSConnectionKey(clientID, serviceID string) Key {
	return Key{Type: KeyWSConnection, ClientID: clientID, ServiceID: serviceID}
}

// WSMessageKey builds the per-connection message budget key.
func WSMessageKey(clientID, serviceID, connectionID string) Key {
	return Key{Type: KeyWSMessage, ClientID: clientID, ServiceID: serviceID, ConnectionID: connectionID}
}

// Canonical renders the key in its store form:
// aussie:ratelimit:<type>:<serviceId>:<endpointId|->:<clientId>[:<connectionId>]
func (k Key) Canonical() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString("aussie:ratelimit:")
	b.WriteString(string(k.Type))
	b.WriteByte(':')
	b.WriteString(k.ServiceID)
	b.WriteByte(':')
	if k.EndpointID == "" {
		b.WriteByte('-')
	} else {
		b.WriteString(k.EndpointID)
	}
	b.WriteByte(':')
	b.WriteString(k.ClientID)
	if k.ConnectionID != "" {
		b.WriteByte(':')
		b.WriteString(k.ConnectionID)
	}
	return b.String()
}
