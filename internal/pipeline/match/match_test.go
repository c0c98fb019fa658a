package match

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-core/internal/directory"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/pipeline"
)

const body = "Subject: hello\r\nX-Spam-Flag: YES\r\nX-Spam-Flag: maybe\r\n\r\nbody\r\n"

func sample() *mail.Mail {
	m := mail.New("Sender@Example.COM", []string{"a@x.org", "b@Y.org", "c@z.org"}, []byte(body))
	m.Attributes["spam"] = "yes"
	return m
}

type failingDirectory struct{}

func (failingDirectory) Exists(context.Context, string) (bool, error) {
	return false, errors.New("ldap down")
}

func TestClassifiers(t *testing.T) {
	spamRe := regexp.MustCompile("^YES$")
	noRe := regexp.MustCompile("^NO$")
	yes, no := "yes", "no"

	tests := []struct {
		name string
		c    pipeline.Classifier
		want []string
	}{
		{"all", All(), []string{"a@x.org", "b@Y.org", "c@z.org"}},
		{"recipient is", RecipientIs("a@X.ORG", "nobody@x.org"), []string{"a@x.org"}},
		{"host is", HostIs("y.org", "z.org"), []string{"b@Y.org", "c@z.org"}},
		{"host is local", HostIsLocal(func(d string) bool { return d == "x.org" }), []string{"a@x.org"}},
		{"sender is", SenderIs("<Sender@example.com>"), []string{"a@x.org", "b@Y.org", "c@z.org"}},
		{"sender is other", SenderIs("other@example.com"), nil},
		{"sender is null", SenderIsNull(), nil},
		{"has header", HasHeader("subject", nil), []string{"a@x.org", "b@Y.org", "c@z.org"}},
		{"has header missing", HasHeader("X-Virus", nil), nil},
		{"has header value", HasHeader("X-Spam-Flag", spamRe), []string{"a@x.org", "b@Y.org", "c@z.org"}},
		{"has header value mismatch", HasHeader("X-Spam-Flag", noRe), nil},
		{"has attribute", HasAttribute("spam", nil), []string{"a@x.org", "b@Y.org", "c@z.org"}},
		{"has attribute value", HasAttribute("spam", &yes), []string{"a@x.org", "b@Y.org", "c@z.org"}},
		{"has attribute other value", HasAttribute("spam", &no), nil},
		{"has attribute missing", HasAttribute("virus", nil), nil},
		{"in directory", RecipientInDirectory(directory.NewStatic("C@z.org")), []string{"c@z.org"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.c.Match(context.Background(), sample())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSenderIsNull(t *testing.T) {
	m := sample()
	m.Sender = ""
	got, err := SenderIsNull().Match(context.Background(), m)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDirectoryError(t *testing.T) {
	_, err := RecipientInDirectory(failingDirectory{}).Match(context.Background(), sample())
	assert.ErrorContains(t, err, "ldap down")
}

func TestRegister(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg, Deps{
		IsLocal:   func(d string) bool { return d == "x.org" },
		Directory: directory.NewStatic("a@x.org"),
	})

	classifiers, _ := reg.Names()
	assert.ElementsMatch(t, []string{
		"All", "RecipientIs", "HostIs", "HostIsLocal", "SenderIs",
		"SenderIsNull", "HasHeader", "HasAttribute", "RecipientInDirectory",
	}, classifiers)

	valid := []struct {
		name string
		args []string
	}{
		{"All", nil},
		{"HostIs", []string{"x.org"}},
		{"HostIsLocal", nil},
		{"HasHeader", []string{"Subject", "^hi"}},
		{"HasAttribute", []string{"k", "v"}},
		{"RecipientInDirectory", nil},
	}
	for _, v := range valid {
		_, err := reg.Classifier(v.name, v.args)
		assert.NoError(t, err, v.name)
	}

	invalid := []struct {
		name string
		args []string
	}{
		{"All", []string{"x"}},
		{"RecipientIs", nil},
		{"HostIs", nil},
		{"SenderIs", nil},
		{"HasHeader", nil},
		{"HasHeader", []string{"Subject", "("}},
		{"HasAttribute", []string{"a", "b", "c"}},
	}
	for _, v := range invalid {
		_, err := reg.Classifier(v.name, v.args)
		assert.Error(t, err, v.name)
	}

	t.Run("missing deps", func(t *testing.T) {
		bare := pipeline.NewRegistry()
		Register(bare, Deps{})
		_, err := bare.Classifier("HostIsLocal", nil)
		assert.Error(t, err)
		_, err = bare.Classifier("RecipientInDirectory", nil)
		assert.Error(t, err)
	})
}
