package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const happyAction = `{
  "action": 3,
  "workflow": {"id": "wf-1"},
  "updateManifest": "{\"manifestVersion\":4,\"updateId\":{\"provider\":\"microsoft\",\"name\":\"apt\",\"version\":\"1.0\"},\"updateType\":\"microsoft/apt:1\",\"files\":{\"f1\":{\"fileName\":\"apt.json\",\"sizeInBytes\":10,\"hashes\":{\"sha256\":\"abc\"}}}}",
  "updateManifestSignature": "sig",
  "fileUrls": {"f1": "https://x/apt.json"}
}`

func TestParseUpdateAction_HappyPath(t *testing.T) {
	action, rawManifest, err := ParseUpdateAction([]byte(happyAction))
	require.NoError(t, err)
	assert.Equal(t, ActionProcessDeployment, action.Action)
	assert.Equal(t, "wf-1", action.Workflow.ID)
	assert.NotEmpty(t, rawManifest)

	um, manifestStr, err := PromoteManifest(rawManifest)
	require.NoError(t, err)
	assert.Equal(t, 4, um.ManifestVersion)
	assert.Equal(t, "microsoft/apt:1", um.UpdateType)
	assert.Contains(t, manifestStr, "manifestVersion")
	require.NoError(t, ValidateVersion(um))
}

func TestParseUpdateAction_CancelHasNoManifest(t *testing.T) {
	action, rawManifest, err := ParseUpdateAction([]byte(`{"action":255,"workflow":{"id":"wf-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, action.Action)
	assert.Nil(t, rawManifest)
}

func TestParseUpdateAction_InvalidJSON(t *testing.T) {
	_, _, err := ParseUpdateAction([]byte(`not json`))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrInvalidJson, perr.Kind)
}

func TestParseUpdateAction_UnrecognizedAction(t *testing.T) {
	_, _, err := ParseUpdateAction([]byte(`{"action":99,"workflow":{"id":"wf-1"}}`))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrInvalidAction, perr.Kind)
}

func TestParseUpdateAction_MissingWorkflowID(t *testing.T) {
	_, _, err := ParseUpdateAction([]byte(`{"action":3,"workflow":{}}`))
	require.Error(t, err)
}

func TestParseUpdateAction_MissingManifestForDeployment(t *testing.T) {
	_, _, err := ParseUpdateAction([]byte(`{"action":3,"workflow":{"id":"wf-1"}}`))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrMissingUpdateManifest, perr.Kind)
}

func TestValidateVersion_Bounds(t *testing.T) {
	for _, v := range []int{MinManifestVersion - 1, MaxManifestVersion + 1} {
		um := &UpdateManifest{ManifestVersion: v}
		err := ValidateVersion(um)
		require.Error(t, err)
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, ErrUnsupportedVersion, perr.Kind)
	}
	for _, v := range []int{MinManifestVersion, MaxManifestVersion} {
		um := &UpdateManifest{ManifestVersion: v}
		assert.NoError(t, ValidateVersion(um))
	}
}

func TestPromoteManifest_EmbeddedObject(t *testing.T) {
	raw := []byte(`{"manifestVersion":4,"updateId":{"provider":"p","name":"n","version":"1"},"updateType":"t","files":{}}`)
	um, manifestStr, err := PromoteManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, 4, um.ManifestVersion)
	assert.NotEmpty(t, manifestStr)
}

func TestResolveFileURL(t *testing.T) {
	urls := map[string]string{"f1": "https://x/f1"}
	url, ok := ResolveFileURL(urls, "f1")
	assert.True(t, ok)
	assert.Equal(t, "https://x/f1", url)

	_, ok = ResolveFileURL(urls, "missing")
	assert.False(t, ok)
}
