package serialization

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func TestLineEncoder_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	enc := NewLineEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, enc.Encode(message{ID: "x", Type: "progress"}))
		}()
	}
	wg.Wait()

	dec := NewLineDecoder(&buf)
	count := 0
	for {
		var m message
		err := dec.Next(&m)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "progress", m.Type)
		count++
	}
	assert.Equal(t, 20, count)
}

func TestLineDecoder_MalformedLine(t *testing.T) {
	dec := NewLineDecoder(strings.NewReader("{\"id\":\"1\"}\n\nnot json\n{\"id\":\"2\"}\n"))

	var m message
	require.NoError(t, dec.Next(&m))
	assert.Equal(t, "1", m.ID)

	err := dec.Next(&m)
	require.Error(t, err)
	assert.False(t, IsStreamError(err))

	require.NoError(t, dec.Next(&m))
	assert.Equal(t, "2", m.ID)
	assert.Equal(t, io.EOF, dec.Next(&m))
}

func TestLineDecoder_TooLong(t *testing.T) {
	long := "\"" + strings.Repeat("a", MaxLineSize) + "\"\n"
	dec := NewLineDecoder(strings.NewReader(long))
	var s string
	err := dec.Next(&s)
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.True(t, IsStreamError(err))
}

func TestDocument(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIndented(&buf, message{ID: "a", Type: "b"}))
	assert.Contains(t, buf.String(), "\n  \"id\": \"a\"")

	var m message
	require.NoError(t, ReadDocument(&buf, &m))
	assert.Equal(t, message{ID: "a", Type: "b"}, m)

	assert.Error(t, ReadDocument(strings.NewReader("{"), &m))
}
