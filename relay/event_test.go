package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/alwitt/streamrelay/upstream"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeItem(t *testing.T) {
	assert := assert.New(t)

	receivedAt := time.Date(2021, time.March, 4, 10, 0, 0, 0, time.UTC)

	// Case 0: well formed item
	{
		event, err := NormalizeItem(testItem("100", "Alice"), receivedAt)
		assert.Nil(err)
		assert.Equal(StatusEvent{
			ID:         "100",
			Active:     false,
			Author:     "Alice",
			Avatar:     "http://img.example.com/Alice.png",
			Body:       "status 100",
			Date:       "Aug 27",
			ScreenName: "@Alice",
		}, event)
	}

	// Case 1: numeric ID only, no creation time
	{
		item := upstream.RawItem{
			"id":   float64(123456789),
			"text": "hi",
			"user": map[string]interface{}{"name": "Bob", "screen_name": "bob"},
		}
		event, err := NormalizeItem(item, receivedAt)
		assert.Nil(err)
		assert.Equal("123456789", event.ID)
		assert.Equal("Bob", event.Author)
		assert.Equal("Mar 4", event.Date)
	}

	// Case 2: id_str wins over id
	{
		item := testItem("200", "Carol")
		item["id"] = float64(1)
		event, err := NormalizeItem(item, receivedAt)
		assert.Nil(err)
		assert.Equal("200", event.ID)
	}

	// Case 3: no author
	{
		item := upstream.RawItem{"id_str": "300", "text": "anonymous"}
		_, err := NormalizeItem(item, receivedAt)
		assert.True(errors.Is(err, ErrMalformedItem))
	}

	// Case 4: null author
	{
		item := upstream.RawItem{"id_str": "301", "user": nil}
		_, err := NormalizeItem(item, receivedAt)
		assert.True(errors.Is(err, ErrMalformedItem))
	}

	// Case 5: author of the wrong shape
	{
		item := upstream.RawItem{"id_str": "302", "user": []interface{}{"x"}}
		_, err := NormalizeItem(item, receivedAt)
		assert.True(errors.Is(err, ErrMalformedItem))
	}

	// Case 6: empty author
	{
		item := upstream.RawItem{"id_str": "303", "user": map[string]interface{}{}}
		_, err := NormalizeItem(item, receivedAt)
		assert.True(errors.Is(err, ErrMalformedItem))
	}

	// Case 7: author without a handle
	{
		item := upstream.RawItem{"id_str": "304", "user": map[string]interface{}{"name": "Dan"}}
		_, err := NormalizeItem(item, receivedAt)
		assert.True(errors.Is(err, ErrMalformedItem))
	}

	// Case 8: numeric ID above 2^53 decoded from the wire
	{
		item, err := upstream.DecodeRawItem(
			[]byte(`{"id":1234567890123456789,"text":"x","user":{"name":"Big","screen_name":"big"}}`),
		)
		assert.Nil(err)
		event, err := NormalizeItem(item, receivedAt)
		assert.Nil(err)
		assert.Equal("1234567890123456789", event.ID)
	}

	// Case 9: stream control notice
	{
		item := upstream.RawItem{"limit": map[string]interface{}{"track": float64(12)}}
		_, err := NormalizeItem(item, receivedAt)
		assert.True(errors.Is(err, ErrMalformedItem))
	}
}
