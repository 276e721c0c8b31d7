package customhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeader_CaseInsensitiveAccess(t *testing.T) {
	var h Header
	h.Add("X-Token", "a")
	h.Add("x-token", "b")
	h.Add("Accept", "*/*")

	assert.Equal(t, "a", h.Get("X-TOKEN"))
	assert.Equal(t, []string{"a", "b"}, h.Values("x-Token"))
	assert.True(t, h.Has("accept"))
	assert.False(t, h.Has("missing"))
	assert.Equal(t, "", h.Get("missing"))
}

func TestHeader_SetReplacesInPlace(t *testing.T) {
	h := Header{{"A", "1"}, {"B", "2"}, {"a", "3"}, {"C", "4"}}
	h.Set("a", "new")
	assert.Equal(t, Header{{"A", "new"}, {"B", "2"}, {"C", "4"}}, h)

	h.Set("D", "5")
	assert.Equal(t, HeaderField{"D", "5"}, h[len(h)-1])
}

func TestHeader_DelAndClone(t *testing.T) {
	h := Header{{"A", "1"}, {"B", "2"}, {"a", "3"}}
	c := h.Clone()
	h.Del("A")
	assert.Equal(t, Header{{"B", "2"}}, h)
	assert.Len(t, c, 3, "clone is independent")
	assert.Nil(t, Header(nil).Clone())
}

func TestHeader_AppendCombined(t *testing.T) {
	var h Header
	h.appendCombined("Vary", "Accept")
	h.appendCombined("VARY", "Origin")
	h.appendCombined("Server", "x")
	assert.Equal(t, Header{{"vary", "Accept, Origin"}, {"server", "x"}}, h)
}

func TestHasToken(t *testing.T) {
	assert.True(t, hasToken("keep-alive, Upgrade", "upgrade"))
	assert.True(t, hasToken(" close ", "close"))
	assert.False(t, hasToken("closed", "close"))
	assert.False(t, hasToken("", "close"))
}
