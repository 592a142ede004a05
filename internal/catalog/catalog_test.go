package catalog

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

const sampleDoc = `
scoreTable:
  "Personal:2": 500
  "Technical:3": 5000
groups:
  founders: 5000
tokens:
  - id: "534e2b03"
    memoryType: Technical
    valueRating: 3
    group: founders
  - id: "biz004"
    memoryType: Personal
    valueRating: 2
    group: founders
  - id: "jaw001"
    memoryType: Personal
    valueRating: 2
    mediaAssets:
      video: "jaw001.mp4"
    duration: 45
`

func TestLoadFromBytesParsesTokensGroupsAndScoreTable(t *testing.T) {
	c := New(testLogger())
	require.NoError(t, c.loadFromBytes([]byte(sampleDoc)))

	assert.Equal(t, 3, c.Count())

	tok, ok := c.Lookup("534e2b03")
	require.True(t, ok)
	assert.Equal(t, Technical, tok.MemoryType)
	assert.Equal(t, "founders", tok.Group)

	_, ok = c.Lookup("unknown")
	assert.False(t, ok)
}

func TestScoreForIsAPureLookup(t *testing.T) {
	c := New(testLogger())
	require.NoError(t, c.loadFromBytes([]byte(sampleDoc)))

	assert.Equal(t, 5000, c.ScoreFor(Technical, 3))
	assert.Equal(t, 500, c.ScoreFor(Personal, 2))
	assert.Equal(t, 0, c.ScoreFor(Business, 9))
}

func TestGroupMembersAndBonus(t *testing.T) {
	c := New(testLogger())
	require.NoError(t, c.loadFromBytes([]byte(sampleDoc)))

	members := c.GroupMembers("founders")
	assert.ElementsMatch(t, []string{"534e2b03", "biz004"}, members)
	assert.Equal(t, 5000, c.GroupBonus("founders"))
}

func TestMissingGroupBonusDefaultsToZero(t *testing.T) {
	c := New(testLogger())
	doc := `
groups: {}
tokens:
  - id: "tok1"
    memoryType: Personal
    valueRating: 1
    group: "orphan-group"
`
	require.NoError(t, c.loadFromBytes([]byte(doc)))
	assert.Equal(t, 0, c.GroupBonus("orphan-group"))
}

func TestHasVideo(t *testing.T) {
	c := New(testLogger())
	require.NoError(t, c.loadFromBytes([]byte(sampleDoc)))

	withVideo, _ := c.Lookup("jaw001")
	assert.True(t, withVideo.HasVideo())

	withoutVideo, _ := c.Lookup("534e2b03")
	assert.False(t, withoutVideo.HasVideo())
}

func TestReloadFullyReplacesState(t *testing.T) {
	c := New(testLogger())
	require.NoError(t, c.loadFromBytes([]byte(sampleDoc)))
	require.Equal(t, 3, c.Count())

	require.NoError(t, c.Reload([]byte(`
tokens:
  - id: "only-one"
    memoryType: Business
    valueRating: 1
`)))

	assert.Equal(t, 1, c.Count())
	_, ok := c.Lookup("534e2b03")
	assert.False(t, ok, "reload must fully replace, not merge, the previous catalog")
}

func TestMissingTokenIDIsRejected(t *testing.T) {
	c := New(testLogger())
	err := c.loadFromBytes([]byte(`
tokens:
  - memoryType: Personal
    valueRating: 1
`))
	assert.Error(t, err)
}
