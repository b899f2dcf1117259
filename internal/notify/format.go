package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// render turns a notification into a title line and a body with the
// metadata appended in key order.
func render(n domain.Notification) (title, body string) {
	title = fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Header)

	var b strings.Builder
	b.WriteString(n.Detail)
	if n.Recipient != "" {
		fmt.Fprintf(&b, "\nowner: %s", n.Recipient)
	}
	keys := make([]string, 0, len(n.Metadata))
	for k := range n.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, n.Metadata[k])
	}
	return title, b.String()
}
