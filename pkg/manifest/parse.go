package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseUpdateAction decodes the unprotected envelope of a twin-delivered
// update-action and returns it along with the raw (unparsed) updateManifest
// bytes, exactly as they appeared on the wire — signature verification in
// pkg/trust must hash this exact byte sequence, not a re-marshaled one.
//
// ParseUpdateAction never verifies the signature and never promotes the
// manifest; see pkg/ingest for the full MPV pipeline.
func ParseUpdateAction(data []byte) (*UpdateAction, json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw rawUpdateAction
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, newParseError(ErrInvalidJson, "update-action is not a valid JSON object", err)
	}

	switch raw.Action {
	case ActionProcessDeployment, ActionCancel:
	default:
		return nil, nil, newParseError(ErrInvalidAction, fmt.Sprintf("unrecognized action %d", raw.Action), nil)
	}

	if raw.Workflow.ID == "" {
		return nil, nil, newParseError(ErrInvalidAction, "workflow.id is required", nil)
	}

	action := &UpdateAction{
		Action:                  raw.Action,
		Workflow:                raw.Workflow,
		RootKeyPackageURL:       raw.RootKeyPackageURL,
		UpdateManifestSignature: raw.UpdateManifestSignature,
		FileURLs:                raw.FileURLs,
	}

	if raw.Action == ActionCancel {
		return action, nil, nil
	}

	if len(raw.UpdateManifest) == 0 {
		return nil, nil, newParseError(ErrMissingUpdateManifest, "updateManifest is required for ProcessDeployment", nil)
	}

	return action, raw.UpdateManifest, nil
}

// PromoteManifest turns the raw updateManifest value — delivered either as
// a JSON string containing manifest JSON, or as an embedded object — into
// an UpdateManifest plus the exact string form the signature was computed
// over: the JWS covers the SHA-256 of this string, not a re-encoding of it.
func PromoteManifest(raw json.RawMessage) (*UpdateManifest, string, error) {
	manifestStr, err := manifestStringForm(raw)
	if err != nil {
		return nil, "", newParseError(ErrBadUpdateManifest, "updateManifest is neither a string nor an object", err)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(manifestStr)))
	dec.UseNumber()

	var um UpdateManifest
	if err := dec.Decode(&um); err != nil {
		return nil, "", newParseError(ErrBadUpdateManifest, "updateManifest failed to parse", err)
	}

	return &um, manifestStr, nil
}

// manifestStringForm normalizes updateManifest to the exact string the JWS
// signature claims to cover. When the twin embeds an object rather than a
// string, that object's canonical re-encoding is used — devices that
// validate against an embedded object must trust their own encoder to
// match the signer's, which is why detached manifests (always delivered as
// a standalone file, never re-encoded) are the preferred v4+ path.
func manifestStringForm(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return "", err
	}
	reencoded, err := json.Marshal(asObject)
	if err != nil {
		return "", err
	}
	return string(reencoded), nil
}

// ValidateVersion rejects manifests outside the supported version range.
func ValidateVersion(um *UpdateManifest) error {
	if um.ManifestVersion < MinManifestVersion || um.ManifestVersion > MaxManifestVersion {
		return newParseError(ErrUnsupportedVersion, fmt.Sprintf(
			"manifestVersion %d outside supported range [%d,%d]",
			um.ManifestVersion, MinManifestVersion, MaxManifestVersion), nil)
	}
	return nil
}

// ResolveFileURL looks up a file's download URL within one update-action's
// fileUrls map. It performs only that single-map lookup; nothing in the
// agent walks a handle's ancestors to search their fileUrls maps.
func ResolveFileURL(fileURLs map[string]string, fileID string) (string, bool) {
	url, ok := fileURLs[fileID]
	return url, ok
}
