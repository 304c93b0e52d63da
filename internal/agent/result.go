package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"tradeclaw/internal/task/session"
)

var reJSONBlock = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// parseReply turns a model reply into a Result. A fenced ```json block is
// decoded into Data; numbers under "metrics" (or at the top level when no
// "metrics" key exists) become Metrics.
func parseReply(reply string) session.Result {
	res := session.Result{Status: "ok", Summary: strings.TrimSpace(reply)}
	m := reJSONBlock.FindStringSubmatchIndex(reply)
	if m == nil {
		return res
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(reply[m[2]:m[3]]), &data); err != nil {
		return res
	}
	res.Data = data

	src := data
	if nested, ok := data["metrics"].(map[string]any); ok {
		src = nested
	}
	for k, v := range src {
		if f, ok := v.(float64); ok {
			if res.Metrics == nil {
				res.Metrics = map[string]float64{}
			}
			res.Metrics[k] = f
		}
	}
	if st, ok := data["status"].(string); ok && st != "" {
		res.Status = st
	}
	if summary := strings.TrimSpace(reply[:m[0]] + reply[m[1]:]); summary != "" {
		res.Summary = summary
	}
	return res
}
