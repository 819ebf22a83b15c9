package usecase

import (
	"strings"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Author associations allowed to issue inline commands.
var trustedAssociations = map[string]bool{
	"OWNER":        true,
	"MEMBER":       true,
	"COLLABORATOR": true,
}

// Command is one parsed inline comment command.
type Command struct {
	CommentID int64
	Action    string
	Args      []string
}

// commandPrefix starts every inline command line.
const commandPrefix = "/agent"

// ParseCommand extracts the first inline command from a comment body. The
// command must start a line; anything else on the comment is ignored.
func ParseCommand(body string) (Command, bool) {
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, commandPrefix+" ") && line != commandPrefix {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return Command{}, false
		}
		return Command{Action: fields[1], Args: fields[2:]}, true
	}
	return Command{}, false
}

// TrustedAuthor reports whether the association may issue commands.
func TrustedAuthor(association string) bool {
	return trustedAssociations[strings.ToUpper(association)]
}

// HarvestCommands returns unprocessed commands from trusted authors, in
// comment order. The caller marks each command processed after acting on it.
func HarvestCommands(comments []domain.Comment, processed func(int64) (bool, error)) ([]Command, error) {
	var out []Command
	for _, c := range comments {
		if !TrustedAuthor(c.AuthorAssociation) {
			continue
		}
		cmd, ok := ParseCommand(c.Body)
		if !ok {
			continue
		}
		done, err := processed(c.ID)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		cmd.CommentID = c.ID
		out = append(out, cmd)
	}
	return out, nil
}
