package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgentHasProductPrefix(t *testing.T) {
	ua := UserAgent()

	assert.True(t, strings.HasPrefix(ua, Product+"/"), "expected %q to start with %q", ua, Product+"/")
}

func TestGetBuildInfoNeverReturnsNil(t *testing.T) {
	info := GetBuildInfo()

	assert.NotNil(t, info)
	assert.NotEmpty(t, info.GoVersion)
}

func TestGetDependencyUnknownModuleReturnsNil(t *testing.T) {
	dep := GetDependency("this.module/does-not-exist")

	assert.Nil(t, dep)
}

func TestGetEVEVersionNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, GetEVEVersion())
}
