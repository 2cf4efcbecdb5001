package spec

import (
	"fmt"
	"strings"

	"github.com/remoteman/remoteman/pkg/engine"
)

const (
	// HostnameToken is replaced with the resolved hostname.
	HostnameToken = "%(hostname)s"

	// PlatformToken is replaced with the platform name.
	PlatformToken = "%(platform)s"
)

// SubstituteHost expands the %(hostname)s and %(platform)s tokens in template in a
// single pass. Substituted values are never re-scanned. "%%" yields a literal "%";
// any other "%" is copied through so percent-escapes in URLs survive.
//
// When requireHost is set, a template without the hostname token is rejected.
func SubstituteHost(template string, id engine.HostIdentity, requireHost bool) (string, error) {
	if requireHost && !strings.Contains(template, HostnameToken) {
		return "", engine.NewSpecFormatError(
			fmt.Sprintf("template %q does not contain %s", template, HostnameToken), nil).
			WithCode(engine.ErrCodeTemplate)
	}

	var b strings.Builder
	b.Grow(len(template) + len(id.Hostname))

	for i := 0; i < len(template); {
		c := template[i]
		if c != '%' || i+1 >= len(template) {
			b.WriteByte(c)
			i++
			continue
		}

		switch template[i+1] {
		case '%':
			b.WriteByte('%')
			i += 2
		case '(':
			end := strings.Index(template[i:], ")s")
			if end < 0 {
				return "", engine.NewSpecFormatError(
					fmt.Sprintf("unterminated token in template %q", template), nil).
					WithCode(engine.ErrCodeTemplate)
			}
			token := template[i : i+end+2]
			switch token {
			case HostnameToken:
				b.WriteString(id.Hostname)
			case PlatformToken:
				b.WriteString(id.Platform)
			default:
				return "", engine.NewSpecFormatError(
					fmt.Sprintf("unknown token %s in template %q", token, template), nil).
					WithCode(engine.ErrCodeTemplate)
			}
			i += end + 2
		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String(), nil
}
