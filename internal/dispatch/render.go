package dispatch

import (
	"regexp"
	"strings"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

// placeholder pattern for personalization: {{variable}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// renderMessage substitutes recipient placeholders. Unknown placeholders
// are kept as written.
func renderMessage(template string, r *models.Recipient) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}

	vars := map[string]string{
		"name":  r.Name,
		"phone": r.Phone,
	}
	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
