package main

import (
	"strings"
)

// Stratum uses a single error code for all miner-visible failures; the
// message string carries the reason. Errors marshal as [code, message, null].
const stratumErrCode = -1

type StratumRequest struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type StratumError struct {
	Code    int
	Message string
}

func newStratumError(msg string) *StratumError {
	return &StratumError{Code: stratumErrCode, Message: msg}
}

func (e *StratumError) MarshalJSON() ([]byte, error) {
	return fastJSONMarshal([]interface{}{e.Code, e.Message, nil})
}

type StratumResponse struct {
	ID     interface{}   `json:"id"`
	Result interface{}   `json:"result"`
	Error  *StratumError `json:"error"`
}

type StratumNotification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// loginParams is the canonical form of mining.authorize / login arguments.
// Miners send either an array [user, pass] or an object {user, pass}; the
// variance is confined to this parser.
type loginParams struct {
	user string
	pass string
}

func parseLoginParams(raw interface{}) (loginParams, *StratumError) {
	var out loginParams
	switch p := raw.(type) {
	case []interface{}:
		if len(p) < 1 {
			return out, newStratumError("missing login parameters")
		}
		user, ok := p[0].(string)
		if !ok {
			return out, newStratumError("login user must be a string")
		}
		out.user = strings.TrimSpace(user)
		if len(p) > 1 {
			if pass, ok := p[1].(string); ok {
				out.pass = pass
			}
		}
	case map[string]interface{}:
		out.user = stringField(p, "user", "login", "address")
		out.pass = stringField(p, "pass", "password")
	default:
		return out, newStratumError("invalid login parameters")
	}
	if out.user == "" {
		return out, newStratumError("login user required")
	}
	return out, nil
}

// splitLoginUser splits "address[.worker]" into its parts. A missing
// worker name maps to "default" so the store key stays well-formed.
func splitLoginUser(user string) (address, worker string) {
	address = user
	worker = "default"
	if i := strings.IndexByte(user, '.'); i >= 0 {
		address = user[:i]
		if rest := user[i+1:]; rest != "" {
			worker = rest
		}
	}
	return address, worker
}

// submitParams is the canonical form of a share submission. Array form is
// [worker, jobId, extraNonce2, nTime, nonce] with an optional trailing
// result hash; object form carries {jobId, nonce, nTime, result}.
type submitParams struct {
	worker      string
	jobID       string
	extraNonce2 string
	nTime       string
	nonce       string
	result      string
}

func parseSubmitParams(raw interface{}) (submitParams, *StratumError) {
	var out submitParams
	switch p := raw.(type) {
	case []interface{}:
		if len(p) < 5 || len(p) > 6 {
			return out, newStratumError("invalid submit params")
		}
		fields := make([]string, 0, len(p))
		for _, v := range p {
			s, ok := v.(string)
			if !ok {
				return out, newStratumError("submit params must be strings")
			}
			fields = append(fields, strings.TrimSpace(s))
		}
		out.worker = fields[0]
		out.jobID = fields[1]
		out.extraNonce2 = fields[2]
		out.nTime = fields[3]
		out.nonce = fields[4]
		if len(fields) == 6 {
			out.result = fields[5]
		}
	case map[string]interface{}:
		out.worker = stringField(p, "worker", "id")
		out.jobID = stringField(p, "jobId", "job_id")
		out.extraNonce2 = stringField(p, "extraNonce2", "extra_nonce2")
		out.nTime = stringField(p, "nTime", "ntime")
		out.nonce = stringField(p, "nonce")
		out.result = stringField(p, "result", "hash")
	default:
		return out, newStratumError("invalid submit params")
	}
	if out.jobID == "" {
		return out, newStratumError("job id required")
	}
	if out.nonce == "" {
		return out, newStratumError("nonce required")
	}
	return out, nil
}

// parseSuggestedDifficulty extracts the single numeric argument of
// mining.suggest_difficulty, from either [d] or a bare number.
func parseSuggestedDifficulty(raw interface{}) (float64, *StratumError) {
	switch p := raw.(type) {
	case []interface{}:
		if len(p) == 0 {
			return 0, newStratumError("missing difficulty")
		}
		if d, ok := numberValue(p[0]); ok {
			return d, nil
		}
	case float64, int64, uint64, int:
		if d, ok := numberValue(p); ok {
			return d, nil
		}
	}
	return 0, newStratumError("difficulty must be a number")
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			s := strings.TrimSpace(v)
			if s != "" {
				return s
			}
		}
	}
	return ""
}

func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func isHexString(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
