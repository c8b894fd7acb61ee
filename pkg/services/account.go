package services

import (
	"context"

	"github.com/ajitpratap0/platform-client-go/pkg/dispatcher"
)

// LoginInfo describes the account a token belongs to.
type LoginInfo struct {
	Account  string `json:"account"`
	Name     string `json:"name,omitempty"`
	SocialID string `json:"socialId,omitempty"`
	Token    string `json:"token,omitempty"`
}

// WorkspaceLoginInfo is returned when selecting a workspace. Endpoint is the
// transactor URL for the workspace.
type WorkspaceLoginInfo struct {
	LoginInfo
	Workspace       string `json:"workspace"`
	WorkspaceURL    string `json:"workspaceUrl,omitempty"`
	WorkspaceDataID string `json:"workspaceDataId,omitempty"`
	Endpoint        string `json:"endpoint"`
	Role            string `json:"role"`
}

// WorkspaceKind selects how a workspace is resolved.
type WorkspaceKind string

const (
	WorkspaceInternal WorkspaceKind = "internal"
	WorkspaceExternal WorkspaceKind = "external"
	WorkspaceByRegion WorkspaceKind = "byregion"
)

// SelectWorkspaceParams are the selectWorkspace parameters.
type SelectWorkspaceParams struct {
	WorkspaceURL    string        `json:"workspaceUrl"`
	Kind            WorkspaceKind `json:"kind"`
	ExternalRegions []string      `json:"externalRegions"`
}

// WorkspaceInfo describes a workspace. CreatedOn is in unix milliseconds.
type WorkspaceInfo struct {
	UUID           string `json:"uuid"`
	DataID         string `json:"dataId,omitempty"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	Region         string `json:"region,omitempty"`
	Branding       string `json:"branding,omitempty"`
	CreatedOn      int64  `json:"createdOn,omitempty"`
	CreatedBy      string `json:"createdBy,omitempty"`
	BillingAccount string `json:"billingAccount,omitempty"`
}

// WorkspaceStatus is the lifecycle state of a workspace.
type WorkspaceStatus struct {
	Mode       string `json:"mode"`
	Processing int    `json:"processingProgress,omitempty"`
	IsDisabled bool   `json:"isDisabled"`
	LastVisit  int64  `json:"lastVisit,omitempty"`
}

// WorkspaceInfoWithStatus pairs a workspace with its status.
type WorkspaceInfoWithStatus struct {
	WorkspaceInfo
	Status WorkspaceStatus `json:"status"`
}

// RegionInfo names a deployment region.
type RegionInfo struct {
	Region string `json:"region"`
	Name   string `json:"name"`
}

// AccountClient calls the account service.
type AccountClient struct {
	d  *dispatcher.Dispatcher
	ep dispatcher.Endpoint
}

// NewAccountClient creates a client for the account service at ep.
func NewAccountClient(d *dispatcher.Dispatcher, ep dispatcher.Endpoint) *AccountClient {
	return &AccountClient{d: d, ep: ep}
}

func (c *AccountClient) GetLoginInfoByToken(ctx context.Context) (*LoginInfo, error) {
	info, err := call[LoginInfo](ctx, c.d, c.ep, "getLoginInfoByToken", nil, dispatcher.Idempotent())
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// SelectWorkspace resolves a workspace and returns its login info,
// including the transactor endpoint.
func (c *AccountClient) SelectWorkspace(ctx context.Context, params SelectWorkspaceParams) (*WorkspaceLoginInfo, error) {
	if params.Kind == "" {
		params.Kind = WorkspaceInternal
	}
	if params.ExternalRegions == nil {
		params.ExternalRegions = []string{}
	}
	info, err := call[WorkspaceLoginInfo](ctx, c.d, c.ep, "selectWorkspace", params, dispatcher.Idempotent())
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *AccountClient) GetUserWorkspaces(ctx context.Context) ([]WorkspaceInfoWithStatus, error) {
	return call[[]WorkspaceInfoWithStatus](ctx, c.d, c.ep, "getUserWorkspaces", nil, dispatcher.Idempotent())
}

func (c *AccountClient) GetRegionInfo(ctx context.Context) ([]RegionInfo, error) {
	return call[[]RegionInfo](ctx, c.d, c.ep, "getRegionInfo", map[string]interface{}{}, dispatcher.Idempotent())
}
