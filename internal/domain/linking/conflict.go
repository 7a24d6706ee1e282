package linking

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"finlink/internal/domain/account"
	"finlink/internal/domain/item"
)

// DefaultErrorMessage is used when a failure carries no message at all.
const DefaultErrorMessage = "Erro ao conectar com o banco"

var (
	itemIDPattern   = regexp.MustCompile(`Item ID:\s*([0-9a-fA-F-]+)`)
	conflictPhrases = []string{"já existe um item ativo", "already exists"}
)

// PayloadError is implemented by transport errors that carry the decoded
// error body.
type PayloadError interface {
	error
	Payload() map[string]any
}

// ConflictInfo is the normalized view of a failed item request.
type ConflictInfo struct {
	Conflict bool
	Status   int
	// Message is the user-facing text; DefaultErrorMessage when none was sent.
	Message    string
	HasMessage bool
	// ItemID is the id of the already-active item, when it could be recovered
	// from the payload.
	ItemID string
	// Detail is set when the payload described the existing item itself.
	Detail *item.Item
}

// ClassifyError normalizes any error returned by the item endpoints.
func ClassifyError(err error) ConflictInfo {
	if err == nil {
		return ConflictInfo{}
	}
	var pe PayloadError
	if errors.As(err, &pe) && pe.Payload() != nil {
		return ClassifyPayload(pe.Payload())
	}
	return ClassifyPayload(map[string]any{"message": err.Error()})
}

// ClassifyPayload normalizes an error payload in any of the shapes the
// backend and its proxies produce: a bare body, {status, response:{status,
// data}}, or the same wrapped in "raw".
func ClassifyPayload(payload map[string]any) ConflictInfo {
	info := ConflictInfo{
		Status: firstStatus(
			lookup(payload, "response", "status"),
			lookup(payload, "status"),
			lookup(payload, "raw", "status"),
			lookup(payload, "raw", "response", "status"),
		),
	}

	data := payload
	if d, ok := lookup(payload, "response", "data").(map[string]any); ok {
		data = d
	}

	info.Message, info.HasMessage = extractMessage(data)
	if !info.HasMessage {
		info.Message = DefaultErrorMessage
	}

	info.Conflict = info.Status == 409 || isConflictMessage(info.Message)
	if !info.Conflict {
		return info
	}

	info.ItemID = recoverItemID(data, info.Message)
	info.Detail = detailItem(data)
	return info
}

// ItemIDFromAccounts is the last-resort recovery: the item linked to the
// account the failed request targeted.
func ItemIDFromAccounts(accounts []*account.Account, accountID string) string {
	if accountID == "" {
		return ""
	}
	for _, acc := range accounts {
		if acc != nil && acc.ID == accountID {
			return acc.OpeniItemID
		}
	}
	return ""
}

func isConflictMessage(msg string) bool {
	if strings.Contains(msg, "Item ID:") {
		return true
	}
	lower := strings.ToLower(msg)
	for _, phrase := range conflictPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func recoverItemID(data map[string]any, message string) string {
	if detail := firstDetail(data); detail != nil {
		if id := stringValue(detail["id"]); id != "" {
			return id
		}
	}
	if m, ok := data["message"].(map[string]any); ok {
		if id := stringValue(m["itemId"]); id != "" {
			return id
		}
	}
	if id := stringValue(data["itemId"]); id != "" {
		return id
	}
	if match := itemIDPattern.FindStringSubmatch(message); match != nil {
		return match[1]
	}
	if raw, err := json.Marshal(data); err == nil {
		if match := itemIDPattern.FindStringSubmatch(string(raw)); match != nil {
			return match[1]
		}
	}
	return ""
}

func detailItem(data map[string]any) *item.Item {
	detail := firstDetail(data)
	if detail == nil || stringValue(detail["id"]) == "" || stringValue(detail["status"]) == "" {
		return nil
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	var it item.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil
	}
	it.Status = item.ParseStatus(string(it.Status))
	return &it
}

func firstDetail(data map[string]any) map[string]any {
	details, ok := data["details"].([]any)
	if !ok || len(details) == 0 {
		return nil
	}
	d, _ := details[0].(map[string]any)
	return d
}

func extractMessage(data map[string]any) (string, bool) {
	raw, ok := data["message"]
	if !ok || raw == nil {
		return "", false
	}
	switch m := raw.(type) {
	case string:
		return m, strings.TrimSpace(m) != ""
	case map[string]any:
		if s, ok := m["message"].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw), true
	}
	return string(b), true
}

func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func firstStatus(values ...any) int {
	for _, v := range values {
		if status, ok := toInt(v); ok {
			return status
		}
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	}
	return ""
}
