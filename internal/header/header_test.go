package header_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Az107/HTeaPot/internal/header"
)

func TestGetIsCaseInsensitive(t *testing.T) {
	cases := []struct {
		name   string
		insert string
		lookup string
	}{
		{"exact match", "Content-Type", "Content-Type"},
		{"lowercase lookup", "Content-Type", "content-type"},
		{"uppercase lookup", "Content-Type", "CONTENT-TYPE"},
		{"mixed lookup", "X-Request-Id", "x-Request-ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := header.New()
			h.Insert(tc.insert, "v")
			got, ok := h.Get(tc.lookup)
			assert.True(t, ok)
			assert.Equal(t, "v", got)
		})
	}
}

func TestInsertOverwritesDuplicate(t *testing.T) {
	h := header.New()
	h.Insert("Host", "first")
	h.Insert("host", "second")
	assert.Equal(t, 1, h.Len())
	got, ok := h.Get("HOST")
	assert.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestOriginalCasingPreservedForWire(t *testing.T) {
	h := header.New()
	h.Insert("X-Custom-Header", "v")
	var sawName string
	h.Range(func(name, value string) bool {
		sawName = name
		return true
	})
	assert.Equal(t, "X-Custom-Header", sawName)
}

func TestRemoveReturnsPreviousValue(t *testing.T) {
	h := header.New()
	h.Insert("Connection", "keep-alive")
	prev, ok := h.Remove("connection")
	assert.True(t, ok)
	assert.Equal(t, "keep-alive", prev)
	_, ok = h.Get("Connection")
	assert.False(t, ok)

	_, ok = h.Remove("connection")
	assert.False(t, ok)
}

func TestSetIfAbsentDoesNotClobber(t *testing.T) {
	h := header.New()
	h.Insert("Connection", "close")
	inserted := h.SetIfAbsent("Connection", "keep-alive")
	assert.False(t, inserted)
	got, _ := h.Get("Connection")
	assert.Equal(t, "close", got)

	inserted = h.SetIfAbsent("Keep-Alive", "timeout=10")
	assert.True(t, inserted)
	got, _ = h.Get("Keep-Alive")
	assert.Equal(t, "timeout=10", got)
}

func TestValidNameRejectsControlAndSeparatorBytes(t *testing.T) {
	assert.True(t, header.ValidName("X-Request-Id"))
	assert.False(t, header.ValidName("X Request Id"))
	assert.False(t, header.ValidName(""))
}

func TestValidValueRejectsControlBytes(t *testing.T) {
	assert.True(t, header.ValidValue("keep-alive"))
	assert.False(t, header.ValidValue("bad\x00value"))
}

func TestValidHostAcceptsHostPort(t *testing.T) {
	assert.True(t, header.ValidHost("example.com:8080"))
	assert.False(t, header.ValidHost("exa\nmple.com"))
}

func TestCloneIsIndependent(t *testing.T) {
	h := header.New()
	h.Insert("A", "1")
	clone := h.Clone()
	clone.Insert("A", "2")
	got, _ := h.Get("A")
	assert.Equal(t, "1", got)
	got2, _ := clone.Get("A")
	assert.Equal(t, "2", got2)
}
