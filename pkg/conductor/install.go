package conductor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/troupe-dev/troupe/pkg/backend"
)

// installedCellData is the cell listing returned by install_app and
// install_app_bundle.
type installedCellData struct {
	CellData []struct {
		CellID CellID `json:"cell_id"`
		Nick   string `json:"cell_nick"`
	} `json:"cell_data"`
}

// InstallApp registers the request's DNAs, installs the app, and enables it.
// Install alone does not make an app callable: the enable step is mandatory,
// and any error entries it reports fail the whole operation with
// ActivationError without rolling the install back. On success every cell is
// indexed by nickname under the app id; that index is append-only and a
// given app id can only be installed once per conductor.
func (c *Conductor) InstallApp(ctx context.Context, req InstallAppRequest) (InstalledApp, error) {
	agent := req.AgentKey
	if agent == "" {
		var err error
		agent, err = c.GenerateAgentKey(ctx)
		if err != nil {
			return InstalledApp{}, fmt.Errorf("conductor %s: generate agent key: %w", c.name, err)
		}
	}

	appID := req.AppID
	if appID == "" {
		appID = c.nextAppID()
	}

	// Reserve the id before the admin round trips so a concurrent install
	// of the same id fails instead of racing for the index slot.
	c.mu.Lock()
	_, exists := c.cells[appID]
	_, pending := c.installing[appID]
	if exists || pending {
		c.mu.Unlock()
		return InstalledApp{}, fmt.Errorf("conductor %s: app %q is already installed", c.name, appID)
	}
	c.installing[appID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.installing, appID)
		c.mu.Unlock()
	}()

	var cells installedCellData
	var err error
	if req.Bundle != "" {
		cells, err = c.installBundle(ctx, appID, agent, req)
	} else {
		cells, err = c.installDNAs(ctx, appID, agent, req.DNAs)
	}
	if err != nil {
		return InstalledApp{}, err
	}

	if err := c.enableApp(ctx, appID); err != nil {
		return InstalledApp{}, err
	}

	app := InstalledApp{ID: appID, Agent: agent}
	index := make(map[string]Cell, len(cells.CellData))
	for _, cd := range cells.CellData {
		if _, dup := index[cd.Nick]; dup {
			return InstalledApp{}, fmt.Errorf("conductor %s: app %q: duplicate cell nickname %q", c.name, appID, cd.Nick)
		}
		cell := Cell{Nick: cd.Nick, ID: cd.CellID}
		index[cd.Nick] = cell
		app.Cells = append(app.Cells, cell)
	}

	c.mu.Lock()
	c.cells[appID] = index
	c.mu.Unlock()

	c.log.Info("app installed", "app", appID, "cells", len(app.Cells))
	c.touch()

	return app, nil
}

// installDNAs registers each declared DNA and submits the install request.
func (c *Conductor) installDNAs(ctx context.Context, appID string, agent AgentPubKey, dnas []DNASource) (installedCellData, error) {
	type dnaEntry struct {
		Hash DNAHash `json:"hash"`
		Nick string  `json:"nick"`
	}

	entries := make([]dnaEntry, 0, len(dnas))
	for _, src := range dnas {
		hash, err := c.registerDNA(ctx, src)
		if err != nil {
			return installedCellData{}, fmt.Errorf("conductor %s: app %q: dna %q: %w", c.name, appID, src.Nick, err)
		}
		entries = append(entries, dnaEntry{Hash: hash, Nick: src.Nick})
	}

	res, err := c.AdminCall(ctx, "install_app", map[string]any{
		"installed_app_id": appID,
		"agent_key":        agent,
		"dnas":             entries,
	})
	if err != nil {
		return installedCellData{}, fmt.Errorf("conductor %s: install app %q: %w", c.name, appID, err)
	}

	var cells installedCellData
	if err := json.Unmarshal(res, &cells); err != nil {
		return installedCellData{}, fmt.Errorf("conductor %s: install app %q: parse response: %w", c.name, appID, err)
	}

	return cells, nil
}

// installBundle installs a prebuilt app bundle.
func (c *Conductor) installBundle(ctx context.Context, appID string, agent AgentPubKey, req InstallAppRequest) (installedCellData, error) {
	source, err := c.resolveSource(ctx, req.Bundle)
	if err != nil {
		return installedCellData{}, fmt.Errorf("conductor %s: app %q: bundle: %w", c.name, appID, err)
	}

	params := map[string]any{
		"source":           source,
		"installed_app_id": appID,
		"agent_key":        agent,
	}
	if len(req.MembraneProofs) > 0 {
		params["membrane_proofs"] = req.MembraneProofs
	}

	res, err := c.AdminCall(ctx, "install_app_bundle", params)
	if err != nil {
		return installedCellData{}, fmt.Errorf("conductor %s: install app bundle %q: %w", c.name, appID, err)
	}

	var cells installedCellData
	if err := json.Unmarshal(res, &cells); err != nil {
		return installedCellData{}, fmt.Errorf("conductor %s: install app bundle %q: parse response: %w", c.name, appID, err)
	}

	return cells, nil
}

// enableApp issues the mandatory enable step and surfaces any error entries
// it reports.
func (c *Conductor) enableApp(ctx context.Context, appID string) error {
	res, err := c.AdminCall(ctx, "enable_app", map[string]any{"installed_app_id": appID})
	if err != nil {
		return fmt.Errorf("conductor %s: enable app %q: %w", c.name, appID, err)
	}

	var enabled struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(res, &enabled); err != nil {
		return fmt.Errorf("conductor %s: enable app %q: parse response: %w", c.name, appID, err)
	}

	if len(enabled.Errors) > 0 {
		return &ActivationError{AppID: appID, Errors: enabled.Errors}
	}

	return nil
}

// registerDNA resolves the source and registers it, returning the DNA hash.
func (c *Conductor) registerDNA(ctx context.Context, src DNASource) (DNAHash, error) {
	params := map[string]any{}

	switch {
	case src.Hash != "":
		params["hash"] = src.Hash
	case src.Path != "":
		ref, err := c.resolveSource(ctx, src.Path)
		if err != nil {
			return "", err
		}
		params["path"] = ref
	case src.URL != "":
		if c.strategy.Kind() == backend.KindLocal {
			params["url"] = src.URL
			break
		}
		ref, err := c.resolveSource(ctx, src.URL)
		if err != nil {
			return "", err
		}
		params["path"] = ref
	default:
		return "", fmt.Errorf("dna source declares none of path, hash, or url")
	}

	if src.UID != "" {
		params["uid"] = src.UID
	}
	if len(src.Properties) > 0 {
		params["properties"] = src.Properties
	}

	res, err := c.AdminCall(ctx, "register_dna", params)
	if err != nil {
		return "", err
	}

	var hash DNAHash
	if err := json.Unmarshal(res, &hash); err != nil {
		return "", fmt.Errorf("parse registered dna hash: %w", err)
	}

	return hash, nil
}

// resolveSource turns a path or URL into a reference usable by the backend.
// Local backends consume the reference as-is; tunneled backends delegate to
// the remote-resource fetcher so the file ends up on the remote host.
func (c *Conductor) resolveSource(ctx context.Context, ref string) (string, error) {
	switch s := c.strategy.(type) {
	case backend.Local:
		return ref, nil
	case backend.Tunneled:
		if s.FetchRemoteResource == nil {
			return "", fmt.Errorf("tunneled backend has no remote resource fetcher for %q", ref)
		}
		return s.FetchRemoteResource(ctx, ref)
	case backend.Stub:
		return "", ErrStubBackend
	default:
		panic("conductor: unreachable backend kind " + c.strategy.Kind().String())
	}
}
