package server

import "encoding/json"

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Envelope is the body of every response.
type Envelope struct {
	Status string   `json:"status"`
	Error  []string `json:"error"`
	Method string   `json:"method"`
	Result []any    `json:"result"`
}

type SearchHit struct {
	Score    float64         `json:"score"`
	Filepath string          `json:"filepath"`
	Metadata json.RawMessage `json:"metadata"`
}

type CompareResult struct {
	Score float64 `json:"score"`
}

type OpStats struct {
	Op     string  `json:"op"`
	Calls  int     `json:"calls"`
	Errors int     `json:"errors"`
	AvgMs  float64 `json:"avg_ms"`
	MaxMs  float64 `json:"max_ms"`
}

func ok(method string, result ...any) Envelope {
	if result == nil {
		result = []any{}
	}
	return Envelope{Status: statusOK, Error: []string{}, Method: method, Result: result}
}

func fail(method string, msg string) Envelope {
	return Envelope{Status: statusFail, Error: []string{msg}, Method: method, Result: []any{}}
}
