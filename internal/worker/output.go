package worker

import (
	"agentq/internal/domain"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	ResultPrefix = "RESULT:"
	// RawResultKey holds a sentinel payload that did not decode to an object.
	RawResultKey = "raw"
)

type lineKind int

const (
	lineSkip lineKind = iota
	lineLog
	lineResult
)

// classify sorts one stdout line into ignored, progress log or sentinel.
func classify(line string) (lineKind, domain.Result) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return lineSkip, nil
	}
	if strings.HasPrefix(line, ResultPrefix) {
		return lineResult, parseResult(strings.TrimSpace(line[len(ResultPrefix):]))
	}
	return lineLog, nil
}

// parseResult never fails: text that is not a JSON object is kept verbatim
// under RawResultKey.
func parseResult(payload string) domain.Result {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err == nil && obj != nil && trailingEOF(dec) {
		return domain.Result(obj)
	}
	return domain.Result{RawResultKey: payload}
}

// trailingEOF reports whether nothing but whitespace follows the first value.
func trailingEOF(dec *json.Decoder) bool {
	return errors.Is(dec.Decode(&struct{}{}), io.EOF)
}
