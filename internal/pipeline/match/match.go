// Package match provides the classifiers that can be named in pipeline
// configuration.
package match

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/busybox42/elemta-core/internal/directory"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/pipeline"
)

// Deps are the collaborators some classifiers need.
type Deps struct {
	// IsLocal reports whether a domain is delivered on this host.
	IsLocal func(domain string) bool
	// Directory answers RecipientInDirectory. Nil disables that classifier.
	Directory directory.Directory
}

// Register adds every classifier in this package to reg.
func Register(reg *pipeline.Registry, deps Deps) {
	reg.RegisterClassifier("All", noArgs(All))
	reg.RegisterClassifier("RecipientIs", func(args []string) (pipeline.Classifier, error) {
		if len(args) == 0 {
			return nil, errors.New("at least one address required")
		}
		return RecipientIs(args...), nil
	})
	reg.RegisterClassifier("HostIs", func(args []string) (pipeline.Classifier, error) {
		if len(args) == 0 {
			return nil, errors.New("at least one host required")
		}
		return HostIs(args...), nil
	})
	reg.RegisterClassifier("HostIsLocal", func(args []string) (pipeline.Classifier, error) {
		if len(args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		if deps.IsLocal == nil {
			return nil, errors.New("no local domain table configured")
		}
		return HostIsLocal(deps.IsLocal), nil
	})
	reg.RegisterClassifier("SenderIs", func(args []string) (pipeline.Classifier, error) {
		if len(args) == 0 {
			return nil, errors.New("at least one address required")
		}
		return SenderIs(args...), nil
	})
	reg.RegisterClassifier("SenderIsNull", noArgs(SenderIsNull))
	reg.RegisterClassifier("HasHeader", func(args []string) (pipeline.Classifier, error) {
		switch len(args) {
		case 1:
			return HasHeader(args[0], nil), nil
		case 2:
			re, err := regexp.Compile(args[1])
			if err != nil {
				return nil, fmt.Errorf("bad value pattern: %w", err)
			}
			return HasHeader(args[0], re), nil
		default:
			return nil, errors.New("expected header name and optional value pattern")
		}
	})
	reg.RegisterClassifier("HasAttribute", func(args []string) (pipeline.Classifier, error) {
		switch len(args) {
		case 1:
			return HasAttribute(args[0], nil), nil
		case 2:
			v := args[1]
			return HasAttribute(args[0], &v), nil
		default:
			return nil, errors.New("expected attribute key and optional value")
		}
	})
	reg.RegisterClassifier("RecipientInDirectory", func(args []string) (pipeline.Classifier, error) {
		if len(args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		if deps.Directory == nil {
			return nil, errors.New("no directory configured")
		}
		return RecipientInDirectory(deps.Directory), nil
	})
}

func noArgs(f func() pipeline.Classifier) pipeline.ClassifierFactory {
	return func(args []string) (pipeline.Classifier, error) {
		if len(args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		return f(), nil
	}
}

// recipients returns a classifier claiming every recipient for which keep
// returns true.
func recipients(keep func(rcpt string) bool) pipeline.Classifier {
	return pipeline.ClassifierFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
		var out []string
		for _, r := range m.Recipients {
			if keep(r) {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

// whole returns a classifier claiming every recipient when cond holds for
// the mail and none otherwise.
func whole(cond func(m *mail.Mail) (bool, error)) pipeline.Classifier {
	return pipeline.ClassifierFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
		ok, err := cond(m)
		if err != nil || !ok {
			return nil, err
		}
		return append([]string(nil), m.Recipients...), nil
	})
}

// All claims every recipient.
func All() pipeline.Classifier {
	return recipients(func(string) bool { return true })
}

// RecipientIs claims the recipients equal to one of addrs.
func RecipientIs(addrs ...string) pipeline.Classifier {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[mail.NormalizeAddress(a)] = struct{}{}
	}
	return recipients(func(r string) bool {
		_, ok := set[mail.NormalizeAddress(r)]
		return ok
	})
}

// HostIs claims the recipients whose domain is one of hosts.
func HostIs(hosts ...string) pipeline.Classifier {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[mail.Domain("@"+h)] = struct{}{}
	}
	return recipients(func(r string) bool {
		_, ok := set[mail.Domain(r)]
		return ok
	})
}

// HostIsLocal claims the recipients in a local domain.
func HostIsLocal(isLocal func(domain string) bool) pipeline.Classifier {
	return recipients(func(r string) bool {
		d := mail.Domain(r)
		return d != "" && isLocal(d)
	})
}

// SenderIs claims all recipients when the sender is one of addrs.
func SenderIs(addrs ...string) pipeline.Classifier {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[mail.NormalizeAddress(a)] = struct{}{}
	}
	return whole(func(m *mail.Mail) (bool, error) {
		_, ok := set[mail.NormalizeAddress(m.Sender)]
		return ok, nil
	})
}

// SenderIsNull claims all recipients of mail with the null sender.
func SenderIsNull() pipeline.Classifier {
	return whole(func(m *mail.Mail) (bool, error) {
		return m.Sender == "", nil
	})
}

// HasHeader claims all recipients when the header field is present and,
// if value is set, one of its values matches.
func HasHeader(name string, value *regexp.Regexp) pipeline.Classifier {
	return whole(func(m *mail.Mail) (bool, error) {
		h, err := m.Header()
		if err != nil {
			return false, err
		}
		if !h.Has(name) {
			return false, nil
		}
		if value == nil {
			return true, nil
		}
		fields := h.FieldsByKey(name)
		for fields.Next() {
			if value.MatchString(strings.TrimSpace(fields.Value())) {
				return true, nil
			}
		}
		return false, nil
	})
}

// HasAttribute claims all recipients when the attribute is set and, if
// value is non-nil, equal to it.
func HasAttribute(key string, value *string) pipeline.Classifier {
	return whole(func(m *mail.Mail) (bool, error) {
		v, ok := m.Attributes[key]
		if !ok {
			return false, nil
		}
		return value == nil || v == *value, nil
	})
}

// RecipientInDirectory claims the recipients the directory knows.
func RecipientInDirectory(dir directory.Directory) pipeline.Classifier {
	return pipeline.ClassifierFunc(func(ctx context.Context, m *mail.Mail) ([]string, error) {
		var out []string
		for _, r := range m.Recipients {
			ok, err := dir.Exists(ctx, r)
			if err != nil {
				return nil, fmt.Errorf("failed to look up %s: %w", r, err)
			}
			if ok {
				out = append(out, r)
			}
		}
		return out, nil
	})
}
