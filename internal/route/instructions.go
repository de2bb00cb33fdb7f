package route

import (
    "regexp"
    "strconv"
    "strings"
)

// Directions providers return instructions with presentational markup, e.g.
// `Turn <b>left</b> onto <div style="...">Main St</div>`. SanitizeInstruction
// strips tags and decodes entities while preserving the plain-text meaning.

var tagPattern = regexp.MustCompile(`<[^>]*>`)

var numericEntity = regexp.MustCompile(`&#(\d+);`)

var entityReplacer = strings.NewReplacer(
    "&nbsp;", " ",
    "&amp;", "&",
    "&lt;", "<",
    "&gt;", ">",
    "&quot;", `"`,
    "&#39;", "'",
    "&apos;", "'",
)

// SanitizeInstruction removes markup from a provider instruction.
func SanitizeInstruction(s string) string {
    s = tagPattern.ReplaceAllString(s, " ")
    s = entityReplacer.Replace(s)
    s = numericEntity.ReplaceAllStringFunc(s, func(m string) string {
        n, err := strconv.Atoi(m[2 : len(m)-1])
        if err != nil || n <= 0 || n > 0x10FFFF {
            return m
        }
        return string(rune(n))
    })
    return strings.Join(strings.Fields(s), " ")
}
