package domain

// ProjectType enumerates the kinds of reusable workspace descriptors
// (spec §3).
type ProjectType string

const (
	ProjectTypeRPC ProjectType = "rpc"
	ProjectTypeWeb ProjectType = "web"
	ProjectTypeIDL ProjectType = "idl"
	ProjectTypeSDK ProjectType = "sdk"
	ProjectTypeOther ProjectType = "other"
)

// Project is a reusable workspace descriptor referenced at task creation
// time. It is read-only input to the core (spec §3).
type Project struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Paths         []string       `json:"paths"`
	DefaultBranch string         `json:"default_branch"`
	Type          ProjectType    `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
}
