package crawler

import (
	"encoding/json"
	"strconv"
)

// StatusCode is the outcome code persisted with every Result. Values below 100 are
// classified failures; anything else is an HTTP status passed through from a fetch.
type StatusCode int

// Classified outcome codes. StatusNotParsable and StatusNoJSON intentionally share a value.
const (
	StatusNoResult        StatusCode = 0
	StatusNotParsable     StatusCode = 1
	StatusNoJSON          StatusCode = 1
	StatusInvalidURI      StatusCode = 2
	StatusServiceNotFound StatusCode = 3
	StatusInvalidIPFS     StatusCode = 4
	StatusUnknownProtocol StatusCode = 5

	// StatusInline is reported for URIs whose payload was decoded locally.
	StatusInline StatusCode = 200
)

// Error messages embedded in the metadata payload of classified failures.
const (
	ErrMsgInvalidIPFS     = "invalid ipfs link"
	ErrMsgUnknownProtocol = "unknown protocol"
	ErrMsgNotParsable     = "result is not parsable"
	ErrMsgNoJSON          = "result is no json"
	ErrMsgServiceNotFound = "service not found"
	ErrMsgInvalidURI      = "invalid URI"
	ErrMsgNoResponse      = "no response"
)

// String renders the code for log fields and metric labels.
func (c StatusCode) String() string {
	return strconv.Itoa(int(c))
}

// WorkItem identifies one crawl target. It is never mutated after the producer builds it.
type WorkItem struct {
	ContractHash string
	TokenID      string
	TokenURI     string
}

// Outcome is a status code plus the JSON document that accompanies it.
type Outcome struct {
	Code     StatusCode
	Metadata string
}

// Result is produced exactly once per WorkItem by a worker.
type Result struct {
	Item     WorkItem
	Code     StatusCode
	Metadata string
}

// NewResult pairs an item with its outcome.
func NewResult(item WorkItem, outcome Outcome) Result {
	return Result{Item: item, Code: outcome.Code, Metadata: outcome.Metadata}
}

// ErrorOutcome builds a classified failure whose metadata is {"error": msg}.
func ErrorOutcome(code StatusCode, msg string) Outcome {
	return Outcome{Code: code, Metadata: ErrorPayload(msg)}
}

// ErrorPayload encodes msg as the {"error": msg} document used for failures.
func ErrorPayload(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	return string(b)
}

// NoResponse is the outcome substituted when a fetch produced nothing usable.
func NoResponse() Outcome {
	return ErrorOutcome(StatusNoResult, ErrMsgNoResponse)
}
