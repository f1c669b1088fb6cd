package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ops_chat/server/chat/domain"
)

var directory = []domain.DirectoryUser{
	{ID: "u-katie", Email: "katie@example.org", FirstName: "Katie", LastName: "Long", DisplayName: "Katie Long"},
	{ID: "u-bob", Email: "bob@example.org", FirstName: "Robert", LastName: "Stone", DisplayName: "Bobby S"},
	{ID: "u-ann", Email: "ann.lee@example.org", FirstName: "Ann", LastName: "Lee", DisplayName: "Ann Lee"},
	{ID: "u-ann2", Email: "annie@example.org", FirstName: "Ann", LastName: "Park", DisplayName: "Annie"},
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"none", "no mentions here", nil},
		{"bare", "hi @bob how are you", []string{"bob"}},
		{"quoted", `@"Katie Long" can you review this?`, []string{"Katie Long"}},
		{"email", "ping @ann.lee@example.org please", []string{"ann.lee@example.org"}},
		{"several in order", `@bob and @"Katie Long" and @bob`, []string{"bob", "Katie Long", "bob"}},
		{"lone at sign", "meet @ noon", nil},
		{"empty quotes fall through", `@"" hi`, nil},
		{"adjacent tokens", "@a@b", []string{"a@b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Extract(tc.body))
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("quoted display name", func(t *testing.T) {
		ids := resolveIDs(`@"Katie Long" can you review this?`, "u-author", directory)
		assert.Equal(t, []string{"u-katie"}, ids)
	})

	t.Run("email local part", func(t *testing.T) {
		assert.Equal(t, []string{"u-bob"}, resolveIDs("@bob", "u-author", directory))
	})

	t.Run("case insensitive first and last name", func(t *testing.T) {
		assert.Equal(t, []string{"u-bob"}, resolveIDs("@ROBERT", "u-author", directory))
		assert.Equal(t, []string{"u-bob"}, resolveIDs("@stone", "u-author", directory))
	})

	t.Run("full email", func(t *testing.T) {
		assert.Equal(t, []string{"u-ann"}, resolveIDs("cc @Ann.Lee@Example.org", "u-author", directory))
	})

	t.Run("trailing punctuation", func(t *testing.T) {
		assert.Equal(t, []string{"u-katie"}, resolveIDs("thanks @katie.", "u-author", directory))
	})

	t.Run("self mention is dropped", func(t *testing.T) {
		assert.Empty(t, resolveIDs("note to self @katie", "u-katie", directory))
	})

	t.Run("duplicates collapse in first mention order", func(t *testing.T) {
		ids := resolveIDs(`@bob @"Katie Long" @Robert @katie`, "u-author", directory)
		assert.Equal(t, []string{"u-bob", "u-katie"}, ids)
	})

	t.Run("unresolvable tokens yield nothing", func(t *testing.T) {
		assert.Empty(t, resolveIDs("@nobody @\"No One\"", "u-author", directory))
	})

	t.Run("name collision resolves to first directory entry", func(t *testing.T) {
		assert.Equal(t, []string{"u-ann"}, resolveIDs("@ann", "u-author", directory))
	})

	t.Run("candidates keep unresolved tokens", func(t *testing.T) {
		got := Candidates("@bob @ghost", directory)
		assert.Equal(t, []domain.MentionCandidate{
			{RawToken: "bob", ResolvedUserID: "u-bob"},
			{RawToken: "ghost"},
		}, got)
	})
}

func resolveIDs(body, authorID string, users []domain.DirectoryUser) []string {
	var ids []string
	for _, u := range Resolve(body, authorID, users) {
		ids = append(ids, u.ID)
	}
	return ids
}
