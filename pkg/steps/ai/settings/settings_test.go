package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestClientSettingsTimeoutFromSeconds(t *testing.T) {
	cs := NewClientSettings()
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 15\nuser_agent: grove-test\n"), cs))
	require.NotNil(t, cs.Timeout)
	assert.Equal(t, 15*time.Second, *cs.Timeout)
	require.NotNil(t, cs.UserAgent)
	assert.Equal(t, "grove-test", *cs.UserAgent)
}

func TestCloneIsIndependent(t *testing.T) {
	cs := NewClientSettings()
	c := cs.WithTimeout(3 * time.Second)
	assert.Equal(t, 60*time.Second, *cs.Timeout)
	assert.Equal(t, 3*time.Second, *c.Timeout)
	assert.NotNil(t, c.Client())
}

func TestClientSettingsTimeoutSecondKey(t *testing.T) {
	cs := NewClientSettings()
	require.NoError(t, yaml.Unmarshal([]byte("timeout_second: 7\n"), cs))
	require.NotNil(t, cs.Timeout)
	assert.Equal(t, 7*time.Second, *cs.Timeout)
	require.NotNil(t, cs.UserAgent)
	assert.Equal(t, DefaultUserAgent, *cs.UserAgent)
}
