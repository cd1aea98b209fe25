package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	c, err := New([]config.ClassifierRule{
		{PathPattern: "^/api/v1/auth(/|$)", Category: "auth", LimitName: "login"},
		{PathPattern: "^/api/v1/auth/refresh$", Category: "auth", LimitName: "refresh"}, // shadowed
		{PathPattern: ".*", Methods: []string{"POST", "PUT", "PATCH", "DELETE"}, Category: "write", LimitName: "mutation"},
	})
	require.NoError(t, err)

	category, name := c.Classify("POST", "/api/v1/auth/refresh")
	assert.Equal(t, "auth", category)
	assert.Equal(t, "login", name)
}

func TestClassifyMethodFilter(t *testing.T) {
	c, err := New([]config.ClassifierRule{
		{PathPattern: ".*", Methods: []string{"POST", "PUT", "PATCH", "DELETE"}, Category: "write", LimitName: "mutation"},
	})
	require.NoError(t, err)

	category, name := c.Classify("post", "/api/v1/products")
	assert.Equal(t, "write", category)
	assert.Equal(t, "mutation", name)

	category, name = c.Classify("GET", "/api/v1/products")
	assert.Equal(t, DefaultCategory, category)
	assert.Equal(t, DefaultLimitName, name)
}

func TestClassifyDefaultFallback(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	category, name := c.Classify("GET", "/anything/at/all")
	assert.Equal(t, "read", category)
	assert.Equal(t, "generic", name)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New([]config.ClassifierRule{
		{PathPattern: "([unclosed", Category: "read", LimitName: "generic"},
	})
	assert.Error(t, err)
}

func TestClassifyDefaultConfigRules(t *testing.T) {
	cfg := config.NewDefault()
	c, err := New(cfg.Classifier)
	require.NoError(t, err)

	category, name := c.Classify("POST", "/api/v1/auth/login")
	assert.Equal(t, "auth", category)
	assert.Equal(t, "login", name)

	category, name = c.Classify("DELETE", "/api/v1/products/42")
	assert.Equal(t, "write", category)
	assert.Equal(t, "mutation", name)

	category, name = c.Classify("GET", "/api/v1/products")
	assert.Equal(t, "read", category)
	assert.Equal(t, "generic", name)
}
