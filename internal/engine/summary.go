package engine

import "fmt"

// TypingSummary renders the "who is typing" line for a typing projection.
func TypingSummary(addresses []string) string {
	switch len(addresses) {
	case 0:
		return ""
	case 1:
		a := addresses[0]
		if len(a) > 8 {
			a = a[:8]
		}
		return a + "... is typing..."
	default:
		return fmt.Sprintf("%d users are typing...", len(addresses))
	}
}
