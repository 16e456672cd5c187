package cloud

import "strings"

const forbiddenChars = "~\"#%&*:<>?/\\{|}"

// Sanitize maps a provider filename onto a form safe for path components:
// forbidden characters become '_', trailing dots and spaces are trimmed.
// Sanitize is idempotent.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		if strings.ContainsRune(forbiddenChars, c) {
			b.WriteByte('_')
		} else {
			b.WriteRune(c)
		}
	}
	return strings.TrimRight(b.String(), ". ")
}
