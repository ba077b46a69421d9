package bot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresIdentity(t *testing.T) {
	err := Bot{BrainRef: "muse", AccessToken: "tok"}.Validate()
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "id is required")
}

func TestValidateRequiresBrain(t *testing.T) {
	err := Bot{ID: "finn", AccessToken: "tok"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brain reference")
}

func TestValidateRequiresTokenOrWebOnly(t *testing.T) {
	require.Error(t, Bot{ID: "finn", BrainRef: "muse"}.Validate())
	assert.NoError(t, Bot{ID: "finn", BrainRef: "muse", WebOnly: true}.Validate())
	assert.NoError(t, Bot{ID: "finn", BrainRef: "muse", AccessToken: "tok"}.Validate())
}

func TestLoadBotsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	payload := `bots:
  - id: finn
    brain: muse
    access_token: tok-1
  - id: webbot
    brain: scribe
    web_only: true
    display_name: Webbot
`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	bots, err := LoadBotsFile(path)
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, "finn", bots[0].ID)
	assert.Equal(t, "Webbot", bots[1].Name())
}

func TestLoadBotsFileRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.yaml")
	payload := `bots:
  - {id: finn, brain: muse, web_only: true}
  - {id: finn, brain: other, web_only: true}
`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	_, err := LoadBotsFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
}

func TestRegistrySwapKeepsOldSnapshotOnError(t *testing.T) {
	registry, err := NewRegistry([]Bot{{ID: "finn", BrainRef: "muse", WebOnly: true}})
	require.NoError(t, err)

	err = registry.Swap([]Bot{{ID: "broken"}})
	require.Error(t, err)

	_, ok := registry.Get("finn")
	assert.True(t, ok, "failed swap must not clear the previous snapshot")
}

func TestRegistryListSorted(t *testing.T) {
	registry, err := NewRegistry([]Bot{
		{ID: "zeta", BrainRef: "b", WebOnly: true},
		{ID: "alpha", BrainRef: "a", WebOnly: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, registry.IDs())
}

func TestFileBrainSourceFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "muse.md"), []byte("You are Muse.\n"), 0o644))

	source := &FileBrainSource{Dir: dir}

	preamble, err := source.Preamble(Bot{ID: "finn", BrainRef: "muse"})
	require.NoError(t, err)
	assert.Equal(t, "You are Muse.", preamble)

	preamble, err = source.Preamble(Bot{ID: "other", BrainRef: "missing", DisplayName: "Other"})
	require.NoError(t, err)
	assert.Contains(t, preamble, "You are Other")
}
