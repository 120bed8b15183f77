package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieAuthorizer_LoginParameters(t *testing.T) {
	a := &CookieAuthorizer{Username: "alice", Password: "s3cret"}
	assert.True(t, a.UsesCookieBasedLogin())
	assert.Equal(t, "/_session", a.LoginPathForSite("https://example.com/db"))
	assert.Equal(t, map[string]string{"name": "alice", "password": "s3cret"}, a.LoginParametersForSite("https://example.com/db"))
}

func TestFacebookAuthorizer_PerOriginKeying(t *testing.T) {
	a := NewFacebookAuthorizer()
	a.RegisterAccessToken("token-a", "alice@example.com", "https://a.example.com")
	a.RegisterAccessToken("token-b", "bob@example.com", "https://b.example.com")

	params := a.LoginParametersForSite("https://a.example.com/db")
	require.NotNil(t, params)
	assert.Equal(t, "token-a", params["access_token"])
	assert.Equal(t, "alice@example.com", params["email"])

	params = a.LoginParametersForSite("https://b.example.com/db")
	require.NotNil(t, params)
	assert.Equal(t, "token-b", params["access_token"])
}

func TestFacebookAuthorizer_UnknownOriginReturnsNil(t *testing.T) {
	a := NewFacebookAuthorizer()
	a.RegisterAccessToken("token-a", "alice@example.com", "https://a.example.com")
	assert.Nil(t, a.LoginParametersForSite("https://unregistered.example.com/db"))
}

func TestFacebookAuthorizer_InstancesDoNotShareState(t *testing.T) {
	a1 := NewFacebookAuthorizer()
	a2 := NewFacebookAuthorizer()
	a1.RegisterAccessToken("token-a", "alice@example.com", "https://example.com")
	assert.Nil(t, a2.LoginParametersForSite("https://example.com"))
}

func TestFromQuery_Persona(t *testing.T) {
	authorizer, stripped := FromQuery("https://example.com/db?persona=abc123&email=alice@example.com")
	require.NotNil(t, authorizer)
	p, ok := authorizer.(*PersonaAuthorizer)
	require.True(t, ok)
	assert.Equal(t, "abc123", p.Assertion)
	assert.Equal(t, "alice@example.com", p.EmailAddress)
	assert.Equal(t, "https://example.com/db", stripped)
}

func TestFromQuery_Facebook(t *testing.T) {
	authorizer, stripped := FromQuery("https://example.com/db?facebookAccessToken=tok&email=bob@example.com")
	require.NotNil(t, authorizer)
	fb, ok := authorizer.(*FacebookAuthorizer)
	require.True(t, ok)
	params := fb.LoginParametersForSite("https://example.com/db")
	require.NotNil(t, params)
	assert.Equal(t, "tok", params["access_token"])
	assert.Equal(t, "https://example.com/db", stripped)
}

func TestFromQuery_NeitherPresent(t *testing.T) {
	authorizer, stripped := FromQuery("https://example.com/db?foo=bar")
	assert.Nil(t, authorizer)
	assert.Equal(t, "https://example.com/db?foo=bar", stripped)
}
