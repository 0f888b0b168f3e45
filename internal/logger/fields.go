package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs can be
// aggregated and queried by document, connection, and version.
const (
	KeyDocument    = "document_id"   // Document identifier
	KeyConnection  = "connection_id" // WebSocket connection identifier
	KeyUser        = "user_id"       // Authenticated user identifier
	KeyVersion     = "version"       // Document version
	KeyTransaction = "transaction_id"
	KeyNode        = "node"      // Cluster node identifier
	KeyClientIP    = "client_ip" // Remote address of the socket
	KeyError       = "error"
	KeyDurationMS  = "duration_ms"
)
