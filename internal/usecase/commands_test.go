package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("please look at this\n/agent run\nthanks")
	require.True(t, ok)
	require.Equal(t, "run", cmd.Action)
	require.Empty(t, cmd.Args)

	cmd, ok = ParseCommand("/agent reset session")
	require.True(t, ok)
	require.Equal(t, "reset", cmd.Action)
	require.Equal(t, []string{"session"}, cmd.Args)

	_, ok = ParseCommand("mentioning /agent run mid-sentence does nothing")
	require.False(t, ok)

	_, ok = ParseCommand("/agent")
	require.False(t, ok)
}

func TestTrustedAuthor(t *testing.T) {
	require.True(t, TrustedAuthor("OWNER"))
	require.True(t, TrustedAuthor("member"))
	require.True(t, TrustedAuthor("COLLABORATOR"))
	require.False(t, TrustedAuthor("CONTRIBUTOR"))
	require.False(t, TrustedAuthor("NONE"))
	require.False(t, TrustedAuthor(""))
}

func TestHarvestCommandsFiltersUntrustedAndProcessed(t *testing.T) {
	comments := []domain.Comment{
		{ID: 1, AuthorAssociation: "NONE", Body: "/agent run"},
		{ID: 2, AuthorAssociation: "OWNER", Body: "/agent run"},
		{ID: 3, AuthorAssociation: "MEMBER", Body: "/agent reset"},
		{ID: 4, AuthorAssociation: "OWNER", Body: "just a comment"},
	}
	processed := func(id int64) (bool, error) { return id == 2, nil }

	cmds, err := HarvestCommands(comments, processed)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, int64(3), cmds[0].CommentID)
	require.Equal(t, "reset", cmds[0].Action)
}
