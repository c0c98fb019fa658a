package remote

import (
	"github.com/busybox42/elemta-core/internal/mail"
)

// SplitByHost groups the recipients of m by domain and returns one copy per
// domain, in order of first appearance. Each copy carries mail.HostID of m.
func SplitByHost(m *mail.Mail) []*mail.Mail {
	var order []string
	groups := make(map[string][]string)
	for _, r := range m.Recipients {
		host := mail.Domain(r)
		if _, ok := groups[host]; !ok {
			order = append(order, host)
		}
		groups[host] = append(groups[host], r)
	}

	out := make([]*mail.Mail, 0, len(order))
	for _, host := range order {
		c := m.Duplicate(mail.HostID(m.ID, host))
		c.SetRecipients(groups[host])
		out = append(out, c)
	}
	return out
}

// singleHost returns the one domain all recipients of m share.
func singleHost(m *mail.Mail) (string, bool) {
	if len(m.Recipients) == 0 {
		return "", false
	}
	host := mail.Domain(m.Recipients[0])
	for _, r := range m.Recipients[1:] {
		if mail.Domain(r) != host {
			return "", false
		}
	}
	return host, true
}
