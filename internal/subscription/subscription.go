// Package subscription formats the VLESS connection URL a client config
// embeds. A CDN fallback block and a per-IP list variant are deliberately
// not built here, since there's no HTTP surface in this scope to serve
// them from.
package subscription

import (
	"fmt"
	"net/url"
)

// FormatProxyURL builds a single VLESS share URL for a user's UUID,
// pointing at the given TLS SNI/port, tagged with domain for the client's
// display name.
func FormatProxyURL(uuid, sni string, port int, domain string) string {
	return fmt.Sprintf(
		"vless://%s@%s:%d?security=tls&fp=randomized&type=tcp&flow=xtls-rprx-vision#%s",
		uuid, sni, port, url.QueryEscape(domain),
	)
}
