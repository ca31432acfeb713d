// Package ingest composes pkg/manifest, pkg/trust, and pkg/workflow to
// turn a raw twin payload into a workflow tree handle: parsing the
// update action, verifying the detached-manifest signature chain, and
// re-validating after any detached-manifest substitution.
//
// The three composed packages stay free of each other: pkg/manifest never
// imports pkg/workflow (or it would need workflow's Handle to describe a
// manifest, which needs manifest's types right back), so the handle
// construction this package performs lives here instead, one level up
// from all three.
package ingest

import (
	"context"
	"fmt"

	"duagent/pkg/manifest"
	"duagent/pkg/trust"
	"duagent/pkg/workflow"
)

// Downloader fetches a byte payload from a URL, the one I/O seam this
// package needs: detached manifests and root-key packages both arrive
// this way. Production wiring is an HTTP client; tests use a map-backed
// fake.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// CancelRequest is returned by ParseAction when the incoming action was a
// Cancel rather than a ProcessDeployment, naming the workflow to cancel
// without constructing a handle for it.
type CancelRequest struct {
	WorkflowID string
}

// ParseOutcome is ParseAction's result: exactly one of Handle or Cancel is
// set.
type ParseOutcome struct {
	Handle *workflow.Handle
	Cancel *CancelRequest
}

// ParseAction decodes the update-action envelope, and for a
// ProcessDeployment, verifies its manifest's signature against the trust
// anchor, resolves any detached manifest, validates the manifest version,
// and allocates a root handle in arena.
func ParseAction(ctx context.Context, data []byte, arena *workflow.Arena, ring *trust.KeyRing, dl Downloader) (*ParseOutcome, error) {
	action, rawManifest, err := manifest.ParseUpdateAction(data)
	if err != nil {
		return nil, err
	}

	if action.Action == manifest.ActionCancel {
		return &ParseOutcome{Cancel: &CancelRequest{WorkflowID: action.Workflow.ID}}, nil
	}

	if action.RootKeyPackageURL != "" {
		if err := rotateTrustAnchor(ctx, ring, dl, action.RootKeyPackageURL); err != nil {
			return nil, err
		}
	}

	um, manifestStr, err := manifest.PromoteManifest(rawManifest)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(ring, manifestStr, action.UpdateManifestSignature); err != nil {
		return nil, err
	}

	if err := manifest.ValidateVersion(um); err != nil {
		return nil, err
	}

	if um.DetachedManifestFileID != "" {
		um, err = resolveDetachedManifest(ctx, action, um, dl)
		if err != nil {
			return nil, err
		}
		if err := manifest.ValidateVersion(um); err != nil {
			return nil, err
		}
	}

	action.UpdateManifestRaw = manifestStr
	root := arena.NewRoot(action, um)
	return &ParseOutcome{Handle: root}, nil
}

func rotateTrustAnchor(ctx context.Context, ring *trust.KeyRing, dl Downloader, url string) error {
	if dl == nil {
		return fmt.Errorf("ingest: rootKeyPackageUrl set but no downloader configured")
	}
	data, err := dl.Download(ctx, url)
	if err != nil {
		return fmt.Errorf("ingest: download root key package: %w", err)
	}
	pkg, err := trust.ParseRootKeyPackage(data)
	if err != nil {
		return err
	}
	ring.RotateKeys(pkg)
	return nil
}

func verifySignature(ring *trust.KeyRing, manifestStr, compactJWS string) error {
	err := trust.VerifyManifestSignature(ring, manifestStr, compactJWS)
	if err == nil {
		return nil
	}

	var sigErr *trust.ManifestSignatureFailure
	if e, ok := err.(*trust.ManifestSignatureFailure); ok {
		sigErr = e
	}
	if sigErr == nil {
		return &manifest.ParseError{Kind: manifest.ErrSignatureMismatch, Msg: err.Error()}
	}
	switch sigErr.Result {
	case trust.ResultSigningKeyDisabled:
		return &manifest.ParseError{Kind: manifest.ErrSigningKeyDisabled, Msg: sigErr.Reason}
	default:
		return &manifest.ParseError{Kind: manifest.ErrSignatureMismatch, Msg: sigErr.Reason}
	}
}

// resolveDetachedManifest downloads and substitutes a manifest's detached
// child manifest, verifying its declared hash against the downloaded
// bytes before parsing it.
func resolveDetachedManifest(ctx context.Context, action *manifest.UpdateAction, um *manifest.UpdateManifest, dl Downloader) (*manifest.UpdateManifest, error) {
	fe, ok := um.Files[um.DetachedManifestFileID]
	if !ok {
		return nil, &manifest.ParseError{
			Kind: manifest.ErrDetachedManifestMissing,
			Msg:  fmt.Sprintf("files entry %q not found", um.DetachedManifestFileID),
		}
	}

	url, ok := manifest.ResolveFileURL(action.FileURLs, um.DetachedManifestFileID)
	if !ok {
		return nil, &manifest.ParseError{
			Kind: manifest.ErrDetachedManifestMissing,
			Msg:  fmt.Sprintf("no fileUrls entry for %q", um.DetachedManifestFileID),
		}
	}

	if dl == nil {
		return nil, &manifest.ParseError{Kind: manifest.ErrDetachedManifestDownloadFail, Msg: "no downloader configured"}
	}

	data, err := dl.Download(ctx, url)
	if err != nil {
		return nil, &manifest.ParseError{Kind: manifest.ErrDetachedManifestDownloadFail, Msg: url, Cause: err}
	}

	if err := verifyFileHashes(fe, data); err != nil {
		return nil, &manifest.ParseError{Kind: manifest.ErrDetachedManifestDownloadFail, Msg: "hash mismatch", Cause: err}
	}

	detached, _, err := manifest.PromoteManifest(data)
	if err != nil {
		return nil, &manifest.ParseError{Kind: manifest.ErrBadUpdateManifest, Msg: "detached manifest", Cause: err}
	}
	return detached, nil
}
