package config

import "strings"

// RenderTemplate substitutes {name} placeholders in a prompt template.
// Unknown placeholders are left intact so a typo is visible in the prompt
// rather than silently dropped.
func RenderTemplate(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
