// Package protocol implements the two JSON-RPC-like dialects the proxy
// mediates between: the downstream browser dialect (WebSocket) and the
// upstream pool dialect (newline-framed TCP/TLS).
package protocol

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"math/big"
)

// Error codes surfaced through pkg/errors.AppError.Code at the sites that
// raise them (internal/upstream, internal/session, internal/pool).
const (
	ErrSocketClosed            = "socket-closed"
	ErrSocketError              = "socket-error"
	ErrMalformedMessage         = "malformed-message"
	ErrUnauthenticatedSubmit    = "unauthenticated-submit"
	ErrUpstreamRejectedShare    = "upstream-rejected-share"
	ErrUnknownResponseID        = "unknown-response-id"
	ErrCapacityExceededOnCreate = "capacity-exceeded-on-create"
)

// Method names recognized in both dialects.
const (
	MethodLogin      = "login"
	MethodSubmit     = "submit"
	MethodKeepalived = "keepalived"
	MethodJob        = "job"
)

// Message is the shared shape of both dialects: a request/response/
// notification envelope. Params/Result are left as interface{} (usually
// map[string]interface{} after unmarshal) since the two dialects carry
// different payloads per method.
type Message struct {
	ID     *int64      `json:"id,omitempty"`
	Method string      `json:"method,omitempty"`
	Params interface{} `json:"params,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// IsNotification reports whether the message has no id (a server push).
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message carries a result or error for a
// previously issued id.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Marshal serializes the message with the upstream dialect's newline
// terminator. The downstream (WebSocket) dialect frames by message
// boundary instead and does not need the trailing newline, so callers on
// that side use json.Marshal directly.
func (m *Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// CopyID returns a deep copy of an *int64 id, or nil.
func CopyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	dup := *id
	return &dup
}

// Job is the downstream-facing unit of work pushed as a "job" notification.
type Job struct {
	JobID  string `json:"job_id"`
	Blob   string `json:"blob"`
	Target string `json:"target"`
}

// LoginParams is the downstream login request payload.
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

// LoginResult is the downstream login response payload.
type LoginResult struct {
	ID  string `json:"id"`
	Job *Job   `json:"job,omitempty"`
}

// SubmitParams is the downstream/upstream submit request payload.
type SubmitParams struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

// LineReader accumulates bytes from an upstream TCP/TLS socket and yields
// complete newline-terminated lines, buffering a partial line across reads
// regardless of how the underlying Reader chunks the stream.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r for newline-delimited message framing.
func NewLineReader(r *bufio.Reader) *LineReader {
	return &LineReader{r: r}
}

// ReadLine returns the next complete line with its trailing newline
// stripped. It returns io.EOF (or the underlying read error) when the
// socket closes mid-line.
func (l *LineReader) ReadLine() (string, error) {
	line, err := l.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// maxTargetSpace is 2^256, the dividend of the target computation.
var maxTargetSpace = new(big.Int).Lsh(big.NewInt(1), 256)

// TargetForDifficulty computes floor(2^256 / diff) and encodes the low 8
// bytes little-endian as hex, the form the pool dialect's job.target
// field expects. diff <= 0 is treated as 1 (the lowest difficulty). A
// quotient that does not fit 256 bits (diff <= 1) is clamped to 2^256 - 1,
// the largest representable 256-bit target.
func TargetForDifficulty(diff float64) string {
	if diff <= 0 {
		diff = 1
	}
	// big.Float division keeps precision for fractional/huge diff values
	// before truncating to an integer target.
	bigDiff := new(big.Float).SetFloat64(diff)
	target := new(big.Float).Quo(new(big.Float).SetInt(maxTargetSpace), bigDiff)
	targetInt, _ := target.Int(nil)
	if targetInt.BitLen() > 256 {
		targetInt.Sub(maxTargetSpace, big.NewInt(1))
	}

	buf := make([]byte, 32)
	targetInt.FillBytes(buf)
	// Pool targets are conventionally the low 8 bytes, little-endian.
	low8 := buf[len(buf)-8:]
	le := make([]byte, 8)
	for i := range low8 {
		le[i] = low8[len(low8)-1-i]
	}
	return hex.EncodeToString(le)
}
