package mail

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New("sender@example.com", []string{"a@x.org", "b@y.org", "a@x.org"}, []byte("Subject: hi\r\n\r\nbody"))

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, StateRoot, m.State)
	assert.Equal(t, []string{"a@x.org", "b@y.org"}, m.Recipients)
	assert.True(t, m.IsLive())
	assert.False(t, m.LastUpdated.IsZero())
}

func TestClone(t *testing.T) {
	m := New("s@example.com", []string{"a@x.org"}, []byte("body"))
	m.Attributes["k"] = "v"

	c := m.Clone()
	c.Recipients[0] = "changed@x.org"
	c.Attributes["k"] = "other"
	c.Body[0] = 'B'

	assert.Equal(t, "a@x.org", m.Recipients[0])
	assert.Equal(t, "v", m.Attributes["k"])
	assert.Equal(t, byte('b'), m.Body[0])
}

func TestDerivedIDs(t *testing.T) {
	a := DerivedID("m1")
	b := DerivedID("m1")

	assert.True(t, strings.HasPrefix(a, "m1!"))
	assert.Len(t, a, len("m1!")+8)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "m1-to-y.org", HostID("m1", "y.org"))
}

func TestIsLive(t *testing.T) {
	m := New("", []string{"a@x.org"}, nil)
	assert.True(t, m.IsLive())

	m.State = StateGhost
	assert.False(t, m.IsLive())

	m.State = StateRoot
	m.SetRecipients(nil)
	assert.False(t, m.IsLive())

	var nilMail *Mail
	assert.False(t, nilMail.IsLive())
}

func TestFail(t *testing.T) {
	m := New("", []string{"a@x.org"}, nil)
	m.Fail(errors.New("connection refused"))
	m.Fail(errors.New("connection reset"))

	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, "connection reset", m.LastError)
}

func TestHeader(t *testing.T) {
	m := New("s@example.com", []string{"a@x.org"}, []byte("Subject: Hello\r\nX-Spam: yes\r\n\r\nbody"))
	m.AddHeader("X-Trace", "abc")

	h, err := m.Header()
	require.NoError(t, err)
	assert.Equal(t, "Hello", h.Get("Subject"))
	assert.Equal(t, "yes", h.Get("X-Spam"))
	assert.Equal(t, "abc", h.Get("X-Trace"))

	empty := New("", []string{"a@x.org"}, nil)
	h, err = empty.Header()
	require.NoError(t, err)
	assert.Empty(t, h.Get("Subject"))
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.com", Domain("User@Example.COM"))
	assert.Equal(t, "example.com", Domain("user@example.com."))
	assert.Equal(t, "", Domain("nodomain"))
	assert.Equal(t, "", Domain("trailing@"))
	assert.Equal(t, "User@example.com", NormalizeAddress(" <User@EXAMPLE.com> "))
}
