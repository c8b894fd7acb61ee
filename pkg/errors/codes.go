package errors

// Generic codes, kept in the JSON-RPC range used by the backend services.
const (
	CodeParseError    int = -32700
	CodeInvalidParams int = -32602
	CodeInternalError int = -32603
)

// Client error codes
const (
	// Authentication errors (-32100 to -32199)
	CodeUnauthorized        int = -32100 // Server rejected the bearer token
	CodeForbidden           int = -32101 // Token valid but access denied
	CodeInvalidToken        int = -32102 // Token could not be parsed or verified
	CodeTokenExpired        int = -32103 // Token expired before use
	CodeTokenExchangeFailed int = -32104 // Identity endpoint refused the assertion
	CodeInvalidCredential   int = -32105 // Credential material unusable

	// Rate limiting errors (-32200 to -32299)
	CodeRateLimited       int = -32200 // Local limiter could not admit before the deadline
	CodeServerRateLimited int = -32201 // Server answered 429

	// Operation errors (-32300 to -32399)
	CodeOperationCancelled int = -32300
	CodeOperationTimeout   int = -32301

	// Transport errors (-32500 to -32599)
	CodeTransportError    int = -32500 // Generic transport error
	CodeConnectionFailed  int = -32501 // Failed to establish connection
	CodeConnectionLost    int = -32502 // Connection lost during operation
	CodeConnectionTimeout int = -32503 // Connection timed out
	CodeHTTPStatus        int = -32504 // Unexpected HTTP status
	CodeServerUnavailable int = -32505 // 5xx or 408 from the server
	CodeSessionClosed     int = -32506 // Session closed or reconnecting
	CodeSessionDraining   int = -32507 // Session no longer accepts calls

	// Protocol errors (-32900 to -32999)
	CodeProtocolError     int = -32900 // Generic protocol error
	CodeMalformedFrame    int = -32901 // Frame could not be decoded
	CodeInvalidTransition int = -32902 // Illegal session state transition
	CodeHandshakeRejected int = -32903 // Hello reply missing or wrong
	CodeDuplicateRequest  int = -32904 // Request id already registered

	// Service errors (-33000 to -33099)
	CodeServiceStatus int = -33000 // Backend returned a status error
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
	Retryable   bool
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:    {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError, false},
	CodeInvalidParams: {CodeInvalidParams, "InvalidParams", "Invalid parameters", CategoryValidation, SeverityError, false},
	CodeInternalError: {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityError, false},

	CodeUnauthorized:        {CodeUnauthorized, "Unauthorized", "Bearer token rejected", CategoryAuth, SeverityError, false},
	CodeForbidden:           {CodeForbidden, "Forbidden", "Access denied", CategoryAuth, SeverityError, false},
	CodeInvalidToken:        {CodeInvalidToken, "InvalidToken", "Invalid token", CategoryAuth, SeverityError, false},
	CodeTokenExpired:        {CodeTokenExpired, "TokenExpired", "Token expired", CategoryAuth, SeverityWarning, false},
	CodeTokenExchangeFailed: {CodeTokenExchangeFailed, "TokenExchangeFailed", "Token exchange failed", CategoryAuth, SeverityError, false},
	CodeInvalidCredential:   {CodeInvalidCredential, "InvalidCredential", "Invalid credential", CategoryAuth, SeverityCritical, false},

	CodeRateLimited:       {CodeRateLimited, "RateLimited", "Rate limit admission failed", CategoryRateLimited, SeverityWarning, false},
	CodeServerRateLimited: {CodeServerRateLimited, "ServerRateLimited", "Server rate limited the request", CategoryRateLimited, SeverityWarning, true},

	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo, false},
	CodeOperationTimeout:   {CodeOperationTimeout, "OperationTimeout", "Operation timed out", CategoryTimeout, SeverityError, false},

	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError, true},
	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityCritical, true},
	CodeConnectionLost:    {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityError, true},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryTransport, SeverityError, true},
	CodeHTTPStatus:        {CodeHTTPStatus, "HTTPStatus", "Unexpected HTTP status", CategoryTransport, SeverityError, false},
	CodeServerUnavailable: {CodeServerUnavailable, "ServerUnavailable", "Server unavailable", CategoryTransport, SeverityError, true},
	CodeSessionClosed:     {CodeSessionClosed, "SessionClosed", "Session not open", CategoryTransport, SeverityError, true},
	CodeSessionDraining:   {CodeSessionDraining, "SessionDraining", "Session draining", CategoryTransport, SeverityWarning, false},

	CodeProtocolError:     {CodeProtocolError, "ProtocolError", "Protocol error", CategoryProtocol, SeverityError, false},
	CodeMalformedFrame:    {CodeMalformedFrame, "MalformedFrame", "Malformed frame", CategoryProtocol, SeverityError, false},
	CodeInvalidTransition: {CodeInvalidTransition, "InvalidTransition", "Invalid session state transition", CategoryProtocol, SeverityCritical, false},
	CodeHandshakeRejected: {CodeHandshakeRejected, "HandshakeRejected", "Handshake rejected", CategoryProtocol, SeverityError, false},
	CodeDuplicateRequest:  {CodeDuplicateRequest, "DuplicateRequest", "Duplicate request id", CategoryProtocol, SeverityError, false},

	CodeServiceStatus: {CodeServiceStatus, "ServiceStatus", "Service returned an error status", CategoryService, SeverityError, false},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

func codeRetryable(code int) bool {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Retryable
	}
	return false
}
