package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_BracketedOptions(t *testing.T) {
	d := Parse("/agent run [repo=acme/widgets, model=gpt-5] fix the flaky test")
	require.NotNil(t, d)
	assert.Equal(t, "acme/widgets", d.Repository)
	assert.Equal(t, "gpt-5", d.Model)
	assert.Equal(t, "fix the flaky test", d.Prompt)
}

func TestParse_NaturalLanguage(t *testing.T) {
	d := Parse("/agent run fix the bug in acme/widgets with gpt-5")
	require.NotNil(t, d)
	assert.Equal(t, "acme/widgets", d.Repository)
	assert.Equal(t, "gpt-5", d.Model)
}

func TestParse_ForceNew(t *testing.T) {
	d := Parse("/agent run new start over")
	require.NotNil(t, d)
	assert.True(t, d.ForceNew)
	assert.Equal(t, "start over", d.Prompt)
}

func TestParse_NoCommand(t *testing.T) {
	assert.Nil(t, Parse("just a regular comment"))
}

func TestParseAuthorized_GatesByAssociation(t *testing.T) {
	body := "/agent run do the thing"
	assert.Nil(t, ParseAuthorized(body, "CONTRIBUTOR"))
	assert.Nil(t, ParseAuthorized(body, "NONE"))
	require.NotNil(t, ParseAuthorized(body, "OWNER"))
	require.NotNil(t, ParseAuthorized(body, "member"))
	require.NotNil(t, ParseAuthorized(body, "Collaborator"))
}

func TestParseRepoList_IgnoresPlaceholders(t *testing.T) {
	body := "### Repository list (if applicable)\n_No response_\n\n### Other\nstuff"
	assert.Empty(t, ParseRepoList(body))
}

func TestParseRepoList_Dedup(t *testing.T) {
	body := "### Repository list (if applicable)\n- acme/widgets\n- acme/gadgets\n- acme/widgets\n\n### Next section\nirrelevant"
	got := ParseRepoList(body)
	assert.Equal(t, []string{"acme/widgets", "acme/gadgets"}, got)
}
