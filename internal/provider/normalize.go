package provider

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/timmy/genflow/internal/domain"
)

// Field aliases seen across providers. The first non-empty path wins.
var (
	taskIDPaths     = []string{"jobId", "job_id", "taskId", "task_id", "id", "data.task_id", "data.taskId", "data.id"}
	statusPaths     = []string{"status", "state", "data.status", "data.state"}
	resultPaths     = []string{"result", "output", "data.result", "data.output", "url", "data.url"}
	messagePaths    = []string{"message", "error.message", "error", "msg", "detail", "data.message"}
	totalItemsPaths = []string{"totalItems", "total_items", "total", "data.totalItems", "data.total"}
	totalPagesPaths = []string{"totalPages", "total_pages", "pages", "data.totalPages"}
	itemsPaths      = []string{"items", "data.items", "list", "data.list", "data"}
	entryIDPaths    = []string{"id", "entryId", "entry_id", "data.id", "data.entryId"}
	successPaths    = []string{"success", "ok", "data.success"}
	balancePaths    = []string{"balance", "credits", "data.balance", "data.credits"}
)

// Normalizer maps provider response bodies onto one vocabulary so callers
// never branch on field-name variants.
type Normalizer struct {
	statusAliases map[string]domain.ProviderStatus
}

// NewNormalizer builds a Normalizer using the provider's status aliases
// (raw status -> pending|running|succeeded|failed).
func NewNormalizer(aliases map[string]string) *Normalizer {
	n := &Normalizer{statusAliases: make(map[string]domain.ProviderStatus, len(aliases))}
	for raw, status := range aliases {
		n.statusAliases[strings.ToLower(raw)] = domain.ProviderStatus(status)
	}
	return n
}

func first(body []byte, paths []string) gjson.Result {
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.Type == gjson.String && r.Str == "" {
			continue
		}
		return r
	}
	return gjson.Result{}
}

// TaskID returns the provider task id, if any.
func (n *Normalizer) TaskID(body []byte) string {
	r := first(body, taskIDPaths)
	if r.IsObject() || r.IsArray() {
		return ""
	}
	return r.String()
}

// RawStatus returns the status string exactly as the provider sent it.
func (n *Normalizer) RawStatus(body []byte) string {
	return first(body, statusPaths).String()
}

// Status maps the body's status onto the normalized vocabulary.
// Missing or unknown values are pending.
func (n *Normalizer) Status(body []byte) domain.ProviderStatus {
	return domain.ParseProviderStatus(n.RawStatus(body), n.statusAliases)
}

// HasStatus reports whether the body carries any status field.
func (n *Normalizer) HasStatus(body []byte) bool {
	return first(body, statusPaths).Exists()
}

// Result returns the raw JSON of the result artifact, or nil.
func (n *Normalizer) Result(body []byte) []byte {
	r := first(body, resultPaths)
	if !r.Exists() {
		return nil
	}
	return []byte(r.Raw)
}

// Message returns the provider's human-readable message, if any.
func (n *Normalizer) Message(body []byte) string {
	r := first(body, messagePaths)
	if r.IsObject() {
		return r.Get("message").String()
	}
	return r.String()
}

// Report converts a status response into a StatusReport.
func (n *Normalizer) Report(body []byte) *domain.StatusReport {
	return &domain.StatusReport{
		Status:  n.Status(body),
		Result:  n.Result(body),
		Message: n.Message(body),
	}
}

// TotalItems returns the server-side item count.
func (n *Normalizer) TotalItems(body []byte) int64 {
	return first(body, totalItemsPaths).Int()
}

// TotalPages returns the server-side page count, or 0 if absent.
func (n *Normalizer) TotalPages(body []byte) int {
	return int(first(body, totalPagesPaths).Int())
}

// Items returns the list of history items in a listing response.
func (n *Normalizer) Items(body []byte) []gjson.Result {
	for _, p := range itemsPaths {
		r := gjson.GetBytes(body, p)
		if r.IsArray() {
			return r.Array()
		}
	}
	return nil
}

// EntryID returns the server id of a saved history entry.
func (n *Normalizer) EntryID(body []byte) string {
	return first(body, entryIDPaths).String()
}

// Success reports an explicit success flag. A missing flag counts as success.
func (n *Normalizer) Success(body []byte) bool {
	r := first(body, successPaths)
	if !r.Exists() {
		return true
	}
	return r.Bool()
}

// Balance returns the owner's remaining credit.
func (n *Normalizer) Balance(body []byte) (int64, bool) {
	r := first(body, balancePaths)
	return r.Int(), r.Exists()
}
