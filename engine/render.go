package engine

import (
	"regexp"

	"replyflow/models"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-z0-9_]+)\s*\}\}`)

func leadFields(lead *models.Lead) map[string]string {
	return map[string]string{
		"first_name":     lead.FirstName,
		"last_name":      lead.LastName,
		"company":        lead.Company,
		"role":           lead.Role,
		"custom_field_1": lead.CustomField1,
		"custom_field_2": lead.CustomField2,
		"custom_field_3": lead.CustomField3,
		"custom_field_4": lead.CustomField4,
		"custom_field_5": lead.CustomField5,
	}
}

// Render substitutes lead fields into text. Unknown tokens are kept as is.
func Render(text string, lead *models.Lead) string {
	fields := leadFields(lead)
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := tokenPattern.FindStringSubmatch(token)[1]
		if v, ok := fields[name]; ok {
			return v
		}
		return token
	})
}
