package admission

import (
	"net"
	"net/http"
	"strings"
)

// ClientIdentity is who a request is attributed to. IP feeds the IP filter;
// Key feeds the rate limiter and quota.
type ClientIdentity struct {
	IP  string `json:"ip"`
	Key string `json:"key"`
}

// ResolveIdentity derives the identity of r. With trustForwardedFor the first
// X-Forwarded-For entry wins over RemoteAddr. The key is the clientIDHeader
// value when present, otherwise the IP.
func ResolveIdentity(r *http.Request, trustForwardedFor bool, clientIDHeader string) ClientIdentity {
	ip := ""
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			ip = strings.TrimSpace(first)
		}
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}

	key := ip
	if clientIDHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
			key = id
		}
	}
	return ClientIdentity{IP: ip, Key: key}
}
