package conductor

import (
	"context"
	"encoding/json"
)

// AgentPubKey is an agent's public key as produced by the admin interface.
type AgentPubKey string

// DNAHash is the content hash of a registered DNA.
type DNAHash string

// CellID identifies one running cell: the DNA it runs and the agent it runs
// as.
type CellID struct {
	DNAHash DNAHash     `json:"dna_hash"`
	Agent   AgentPubKey `json:"agent_pub_key"`
}

// Cell pairs a CellID with its human nickname, unique within the owning app.
type Cell struct {
	Nick string
	ID   CellID
}

// InstalledApp is the result of a successful install+enable sequence. It is
// immutable once returned.
type InstalledApp struct {
	ID    string
	Agent AgentPubKey
	Cells []Cell
}

// Cell returns the cell with the given nickname, if present.
func (a InstalledApp) Cell(nick string) (Cell, bool) {
	for _, c := range a.Cells {
		if c.Nick == nick {
			return c, true
		}
	}
	return Cell{}, false
}

// DNASource declares one DNA of an app bundle. Exactly one of Path, Hash, or
// URL must be set. Path and URL sources on a non-local backend are resolved
// through the backend's remote-resource fetcher.
type DNASource struct {
	Nick string

	Path string
	Hash DNAHash
	URL  string

	// UID disambiguates otherwise-identical DNAs at registration time.
	UID string
	// Properties are passed through to DNA registration.
	Properties map[string]any
}

// InstallAppRequest describes one app installation. AgentKey and AppID are
// optional; a missing agent key is generated by the admin interface and a
// missing app id is derived from a conductor-local counter.
type InstallAppRequest struct {
	AgentKey AgentPubKey
	AppID    string
	DNAs     []DNASource

	// Bundle, when non-empty, installs a prebuilt app bundle instead of
	// registering DNAs one by one. MembraneProofs are passed through.
	Bundle         string
	MembraneProofs map[string]json.RawMessage
}

// ProvenancePolicy chooses the provenance key attached to a zome call. The
// default signs with the callee cell's own agent key, granting
// self-authorship on every call; this matches the upstream control protocol
// today and is kept as a policy point rather than silently corrected.
type ProvenancePolicy func(cell Cell) AgentPubKey

// SelfProvenance is the default ProvenancePolicy.
func SelfProvenance(cell Cell) AgentPubKey { return cell.ID.Agent }

// TerminateFunc is the external process-termination callback awaited by
// Kill after the channels are closed.
type TerminateFunc func(ctx context.Context, signal string) error
