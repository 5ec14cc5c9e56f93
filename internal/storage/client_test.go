package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "images/img-1/cat.png", ObjectKey("img-1", "cat.png"))
	assert.Equal(t, "images/a_b/my_photo.jpg", ObjectKey("a/b", "/tmp/my photo.JPG"))
	assert.Equal(t, "images/unknown/unknown", ObjectKey(" ", ""))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("a.jpg"))
	assert.Equal(t, "image/png", ContentType("a.PNG"))
	assert.Equal(t, "image/webp", ContentType("x.webp"))
	assert.Equal(t, "application/octet-stream", ContentType("noext"))
}

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "images"})
	assert.NoError(t, err)
	assert.Equal(t, "images", c.Bucket())
}
