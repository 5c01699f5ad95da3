// Package personalize substitutes recipient fields into subject and body
// templates.
//
// Placeholders are written as {name}. Matching is case-insensitive, so
// {fullName}, {FULLNAME} and {fullname} all resolve to the same field.
package personalize

import (
	"regexp"
	"strings"
)

// Standard placeholder names understood for every recipient.
const (
	FieldFullName    = "fullName"
	FieldCompanyName = "companyName"
	FieldJobTitle    = "jobTitle"
	FieldEmail       = "email"
)

var standardFields = []string{FieldFullName, FieldCompanyName, FieldJobTitle, FieldEmail}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Render replaces every recognized placeholder in template with the matching
// value from fields. The standard fields are always recognized and resolve to
// "" when missing; any other key present in fields is recognized as well.
// Braces that do not name a recognized field are left untouched.
func Render(template string, fields map[string]string) string {
	if !strings.Contains(template, "{") {
		return template
	}

	values := make(map[string]string, len(standardFields)+len(fields))
	for _, name := range standardFields {
		values[strings.ToLower(name)] = ""
	}
	for key, value := range fields {
		values[strings.ToLower(key)] = value
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.ToLower(match[1 : len(match)-1])
		if value, ok := values[name]; ok {
			return value
		}
		return match
	})
}

// Unresolved reports the recognized placeholders still present in text.
func Unresolved(text string) []string {
	var found []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		for _, name := range standardFields {
			if strings.EqualFold(m[1], name) {
				found = append(found, m[0])
			}
		}
	}
	return found
}
