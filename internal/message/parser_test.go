package message_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Az107/HTeaPot/internal/message"
)

func parseAll(t *testing.T, raw string) *message.Request {
	t.Helper()
	b := message.NewRequestBuilder()
	err := b.Feed([]byte(raw))
	require.NoError(t, err)
	require.True(t, b.Done(), "expected request to be fully parsed")
	return b.Request()
}

func TestSimpleGet(t *testing.T) {
	req := parseAll(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, message.GET, req.Method)
	assert.Equal(t, "/", req.Path)
	host, ok := req.Header.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "x", host)
}

func TestQueryArgsParsing(t *testing.T) {
	req := parseAll(t, "GET /?a=1&b=&c=2 HTTP/1.1\r\n\r\n")
	assert.Equal(t, map[string]string{"a": "1", "b": "", "c": "2"}, req.Args)
}

func TestBodyWithContentLength(t *testing.T) {
	req := parseAll(t, "POST /e HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	assert.Equal(t, message.POST, req.Method)
	assert.Equal(t, "/e", req.Path)
	assert.Equal(t, []byte("hello"), req.Body)
}

func TestChunkedBody(t *testing.T) {
	raw := "POST /e HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	req := parseAll(t, raw)
	assert.Equal(t, []byte("hello world"), req.Body)
}

func TestMalformedRequestLineIsBadRequest(t *testing.T) {
	b := message.NewRequestBuilder()
	err := b.Feed([]byte("GET ONLY-TWO-TOKENS\r\n\r\n"))
	require.Error(t, err)
	var pe *message.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, message.KindBadRequest, pe.Kind)
}

func TestDuplicateContentLengthIsRejected(t *testing.T) {
	b := message.NewRequestBuilder()
	raw := "POST /e HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 5\r\n\r\nhello"
	err := b.Feed([]byte(raw))
	require.Error(t, err)
	var pe *message.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, message.KindBadRequest, pe.Kind)
}

func TestContentLengthAndChunkedConflict(t *testing.T) {
	b := message.NewRequestBuilder()
	raw := "POST /e HTTP/1.1\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
	err := b.Feed([]byte(raw))
	require.Error(t, err)
}

func TestOversizedHeaderBlockIsPayloadTooLarge(t *testing.T) {
	b := message.NewRequestBuilder()
	big := make([]byte, message.MaxHeaderBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	raw := "GET / HTTP/1.1\r\nX-Big: " + string(big) + "\r\n\r\n"
	err := b.Feed([]byte(raw))
	require.Error(t, err)
	var pe *message.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, message.KindPayloadTooLarge, pe.Kind)
}

func TestTooManyHeadersIsPayloadTooLarge(t *testing.T) {
	b := message.NewRequestBuilder()
	raw := "GET / HTTP/1.1\r\n"
	for i := 0; i < message.MaxHeaderCount+1; i++ {
		raw += fmt.Sprintf("X-Field-%d: v\r\n", i)
	}
	raw += "\r\n"
	err := b.Feed([]byte(raw))
	require.Error(t, err)
}

func TestReentrancyAcrossArbitrarySplits(t *testing.T) {
	raw := "POST /submit?x=1 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 11\r\n\r\nhello world"
	whole := parseAll(t, raw)

	splits := [][]int{
		{1, 2, 3},
		{5, 40, 41, 60},
		{len(raw) - 1},
	}
	for _, cuts := range splits {
		b := message.NewRequestBuilder()
		prev := 0
		var err error
		for _, cut := range append(cuts, len(raw)) {
			if cut <= prev || cut > len(raw) {
				continue
			}
			err = b.Feed([]byte(raw[prev:cut]))
			require.NoError(t, err)
			prev = cut
		}
		require.True(t, b.Done())
		got := b.Request()
		assert.Equal(t, whole.Method, got.Method)
		assert.Equal(t, whole.Path, got.Path)
		assert.Equal(t, whole.Args, got.Args)
		assert.Equal(t, whole.Body, got.Body)
	}
}

func TestOneByteShortOfContentLengthStaysPending(t *testing.T) {
	b := message.NewRequestBuilder()
	err := b.Feed([]byte("POST /e HTTP/1.1\r\nContent-Length: 5\r\n\r\nhell"))
	require.NoError(t, err)
	assert.False(t, b.Done())
}
