// Package stratum implements the Stratum V1 mining protocol for the pool.
// It provides session state, message parsing and the method handler that
// drives the share submission pipeline.
package stratum

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorNotPermitted   = 26
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Stratum method names handled by the pool.
const (
	MethodSubscribe       = "mining.subscribe"
	MethodAuthorize       = "mining.authorize"
	MethodSubmit          = "mining.submit"
	MethodNotify          = "mining.notify"
	MethodSetDifficulty   = "mining.set_difficulty"
	MethodUpdateBlock     = "mining.update_block"
	MethodAddLitecoind    = "mining.add_litecoind"
	MethodGetTransactions = "mining.get_transactions"
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	WorkerName string
	Password   string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// AddDaemonRequest represents the admin-only mining.add_litecoind request.
type AddDaemonRequest struct {
	Host     string
	Port     int
	User     string
	Password string
}

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prevhash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`
}

// Params returns the notify parameters in stratum wire order.
func (p *NotifyParams) Params() []any {
	return []any{
		p.JobID,
		p.PrevHash,
		p.Coinb1,
		p.Coinb2,
		p.MerkleBranch,
		p.Version,
		p.NBits,
		p.NTime,
		p.CleanJobs,
	}
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}

	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, ErrInvalidParams("authorize requires worker name and password")
	}

	workerName, ok := params[0].(string)
	if !ok {
		return nil, ErrInvalidParams("worker name must be string")
	}

	password, ok := params[1].(string)
	if !ok {
		return nil, ErrInvalidParams("password must be string")
	}

	return &AuthorizeRequest{
		WorkerName: workerName,
		Password:   password,
	}, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, ErrInvalidParams("submit requires 5 parameters")
	}

	workerName, ok := params[0].(string)
	if !ok {
		return nil, ErrInvalidParams("worker name must be string")
	}

	jobID, ok := params[1].(string)
	if !ok {
		return nil, ErrInvalidParams("job_id must be string")
	}

	extraNonce2, ok := params[2].(string)
	if !ok {
		return nil, ErrInvalidParams("extranonce2 must be string")
	}

	nTime, ok := params[3].(string)
	if !ok {
		return nil, ErrInvalidParams("ntime must be string")
	}

	nonce, ok := params[4].(string)
	if !ok {
		return nil, ErrInvalidParams("nonce must be string")
	}

	return &SubmitRequest{
		WorkerName:  workerName,
		JobID:       jobID,
		ExtraNonce2: extraNonce2,
		NTime:       nTime,
		Nonce:       nonce,
	}, nil
}

// ParseAddDaemonRequest parses mining.add_litecoind parameters. The request
// is rejected before any connection attempt unless it carries exactly four
// arguments: host, port, rpc user and rpc password.
func ParseAddDaemonRequest(params []any) (*AddDaemonRequest, error) {
	if len(params) != 4 {
		return nil, ErrInvalidParams(
			fmt.Sprintf("add_litecoind requires exactly 4 parameters, got %d", len(params)))
	}

	host, ok := params[0].(string)
	if !ok || host == "" {
		return nil, ErrInvalidParams("host must be a non-empty string")
	}

	port, err := parsePort(params[1])
	if err != nil {
		return nil, ErrInvalidParams(err.Error())
	}

	user, ok := params[2].(string)
	if !ok {
		return nil, ErrInvalidParams("rpc user must be string")
	}

	password, ok := params[3].(string)
	if !ok {
		return nil, ErrInvalidParams("rpc password must be string")
	}

	return &AddDaemonRequest{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
	}, nil
}

// parsePort accepts the port as a JSON number or a numeric string, the two
// encodings admin clients are seen to use.
func parsePort(v any) (int, error) {
	switch p := v.(type) {
	case float64:
		if p != float64(int(p)) {
			return 0, fmt.Errorf("port must be an integer")
		}
		return validatePort(int(p))
	case string:
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("port must be numeric: %v", err)
		}
		return validatePort(n)
	default:
		return 0, fmt.Errorf("port must be a number or numeric string")
	}
}

func validatePort(port int) (int, error) {
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
