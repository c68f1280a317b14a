package h2load

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hexinfra/shrpx/internal/worker"
)

type fakeBody struct {
	*bytes.Reader
	closed bool
}

func (b *fakeBody) Close() error { b.closed = true; return nil }

func TestExecuteRequestFailsFastWhenHTTP3NotReady(t *testing.T) {
	c := NewQuicClient(worker.ID{}, 0, nil, nil, nil)
	_, err := c.ExecuteRequest(&http.Request{})
	assert.ErrorIs(t, err, gwErrHTTP3NotReady)
}

func TestStreamTrackingBodyCountsCleanCloseAsStreamClose(t *testing.T) {
	stats := &StreamStats{}
	body := &streamTrackingBody{ReadCloser: io.NopCloser(bytes.NewReader([]byte("ok"))), stats: stats}

	buf := make([]byte, 16)
	for {
		_, err := body.Read(buf)
		if err != nil {
			break
		}
	}
	assert.Equal(t, int64(1), stats.Closed.Load())
	assert.Equal(t, int64(0), stats.Reset.Load())
}

func TestStreamTrackingBodyCloseWithoutReadCountsAsClose(t *testing.T) {
	stats := &StreamStats{}
	fb := &fakeBody{Reader: bytes.NewReader([]byte("x"))}
	body := &streamTrackingBody{ReadCloser: fb, stats: stats}

	assert.NoError(t, body.Close())
	assert.True(t, fb.closed)
	assert.Equal(t, int64(1), stats.Closed.Load())
}
