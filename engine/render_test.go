package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"replyflow/models"
)

func TestRender(t *testing.T) {
	lead := &models.Lead{
		FirstName:    "Ann",
		Company:      "Globex",
		Role:         "CTO",
		CustomField3: "Berlin",
	}

	assert.Equal(t, "Hi Ann, how is Globex?", Render("Hi {{first_name}}, how is {{ company }}?", lead))
	assert.Equal(t, "CTO in Berlin", Render("{{role}} in {{custom_field_3}}", lead))
	assert.Equal(t, "Dear  ", Render("Dear {{last_name}} {{custom_field_5}}", lead))
	assert.Equal(t, "Hi {{nickname}}", Render("Hi {{nickname}}", lead))
	assert.Equal(t, "{{First_Name}}", Render("{{First_Name}}", lead))
	assert.Equal(t, "no tokens", Render("no tokens", lead))
}
